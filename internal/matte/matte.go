// Package matte splits a color image into foreground and background layers
// guided by a trimap.
//
// The decomposition runs three steps: an AlphaEstimator produces the matte,
// a ForegroundEstimator recovers the colors on both sides of it, and the
// matte is attached as the alpha channel of the foreground and as its
// complement on the background.
package matte

import (
	"context"
	"errors"
	"fmt"
)

// AlphaEstimator computes a single-channel matte in [0, 1] from a 3-channel
// image and a single-channel trimap of the same size. Definite foreground
// pixels must come back as exactly 1 and definite background as exactly 0.
type AlphaEstimator interface {
	EstimateAlpha(ctx context.Context, img, trimap *Image) (*Image, error)
}

// ForegroundEstimator recovers full-color foreground and background
// estimates for every pixel, occluded ones included.
type ForegroundEstimator interface {
	EstimateForeground(ctx context.Context, img, alpha *Image) (fg, bg *Image, err error)
}

// Decomposer wires the two estimators.
type Decomposer struct {
	Alpha      AlphaEstimator
	Foreground ForegroundEstimator
}

// Result holds the two composite layers and the matte that produced them.
type Result struct {
	Foreground *Image // color + alpha
	Background *Image // color + (1 - alpha)
	Alpha      *Image
}

// New returns a Decomposer using the given estimators.
func New(alpha AlphaEstimator, fg ForegroundEstimator) *Decomposer {
	return &Decomposer{Alpha: alpha, Foreground: fg}
}

// CheckInputs verifies the shape contract shared by every estimator.
func CheckInputs(img, trimap *Image) error {
	if err := img.Validate(); err != nil {
		return fmt.Errorf("image: %w", err)
	}
	if err := trimap.Validate(); err != nil {
		return fmt.Errorf("trimap: %w", err)
	}
	if !SameSize(img, trimap) {
		return fmt.Errorf("%w: input image and trimap must have same size, got %dx%d and %dx%d",
			ErrInvalidInput, img.Width, img.Height, trimap.Width, trimap.Height)
	}
	if img.Channels != 3 {
		return fmt.Errorf("%w: image must have 3 channels, got %d", ErrInvalidInput, img.Channels)
	}
	if trimap.Channels != 1 {
		return fmt.Errorf("%w: trimap must have 1 channel, got %d", ErrInvalidInput, trimap.Channels)
	}
	return nil
}

// Decompose returns (foreground RGBA, background RGBA). Inputs are never
// modified and nothing is returned when any step fails.
func (d *Decomposer) Decompose(ctx context.Context, img, trimap *Image) (fg, bg *Image, err error) {
	res, err := d.Run(ctx, img, trimap)
	if err != nil {
		return nil, nil, err
	}
	return res.Foreground, res.Background, nil
}

// Run is Decompose that also hands back the matte.
func (d *Decomposer) Run(ctx context.Context, img, trimap *Image) (*Result, error) {
	if err := CheckInputs(img, trimap); err != nil {
		return nil, err
	}
	if d.Alpha == nil || d.Foreground == nil {
		return nil, errors.New("decomposer is missing an estimator")
	}

	alpha, err := d.Alpha.EstimateAlpha(ctx, img, trimap)
	if err != nil {
		return nil, fmt.Errorf("estimate alpha: %w", err)
	}
	if err := alpha.Validate(); err != nil || alpha.Channels != 1 || !SameSize(alpha, img) {
		return nil, fmt.Errorf("estimate alpha: unexpected matte shape %s for image %s", alpha, img)
	}

	fgColor, bgColor, err := d.Foreground.EstimateForeground(ctx, img, alpha)
	if err != nil {
		return nil, fmt.Errorf("estimate foreground: %w", err)
	}

	fore, err := Stack(fgColor, alpha)
	if err != nil {
		return nil, fmt.Errorf("compose foreground: %w", err)
	}
	back, err := Stack(bgColor, Complement(alpha))
	if err != nil {
		return nil, fmt.Errorf("compose background: %w", err)
	}
	return &Result{Foreground: fore, Background: back, Alpha: alpha}, nil
}
