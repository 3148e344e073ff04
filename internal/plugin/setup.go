package plugin

import (
	"log/slog"

	"matting/internal/config"
	"matting/internal/estimate"
	"matting/internal/matte"
)

// NewDecomposer builds the closed-form / multi-level decomposer from config.
func NewDecomposer(cfg *config.Config) *matte.Decomposer {
	cf := estimate.DefaultClosedForm()
	m := cfg.Matting
	if m.Epsilon > 0 {
		cf.Epsilon = m.Epsilon
	}
	if m.Radius > 0 {
		cf.Radius = m.Radius
	}
	if m.ForegroundThreshold > 0 {
		cf.ForegroundThreshold = m.ForegroundThreshold
	}
	if m.BackgroundThreshold > 0 {
		cf.BackgroundThreshold = m.BackgroundThreshold
	}
	if m.Tolerance > 0 {
		cf.Tolerance = m.Tolerance
	}
	if m.MaxIterations > 0 {
		cf.MaxIterations = m.MaxIterations
	}
	if m.Preconditioner != "" {
		cf.Preconditioner = m.Preconditioner
	}

	ml := estimate.DefaultMultiLevel()
	f := cfg.Foreground
	if f.Regularization > 0 {
		ml.Regularization = f.Regularization
	}
	if f.SmallIterations > 0 {
		ml.SmallIterations = f.SmallIterations
	}
	if f.BigIterations > 0 {
		ml.BigIterations = f.BigIterations
	}
	if f.SmallSize > 0 {
		ml.SmallSize = f.SmallSize
	}
	if f.GradientWeight > 0 {
		ml.GradientWeight = f.GradientWeight
	}
	return matte.New(cf, ml)
}

// Setup returns a registry with the matting plug-in registered under the
// configured name.
func Setup(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	m := NewMatting(NewDecomposer(cfg), logger)
	if cfg.Plugin.ProcedureName != "" {
		m.Name = cfg.Plugin.ProcedureName
	}
	if cfg.Plugin.TrimapMarker != "" {
		m.TrimapMarker = cfg.Plugin.TrimapMarker
	}
	if cfg.Plugin.I18nDomain != "" {
		m.Domain = cfg.Plugin.I18nDomain
	}
	reg := NewRegistry(logger)
	if err := reg.Register(m); err != nil {
		return nil, err
	}
	return reg, nil
}
