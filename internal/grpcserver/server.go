package grpcserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"matting/internal/codec"
	"matting/internal/document"
	"matting/internal/layer"
	"matting/internal/plugin"
)

// Server exposes a plug-in registry to a remote host. Layers travel as
// base64 PNG inside Structs.
type Server struct {
	registry  *plugin.Registry
	codec     *codec.Codec
	procedure string
	log       *slog.Logger
}

// NewServer returns a service for reg. procedure is used when a Run request
// names none.
func NewServer(reg *plugin.Registry, c *codec.Codec, procedure string, log *slog.Logger) *Server {
	if c == nil {
		c = codec.Default
	}
	if procedure == "" {
		procedure = plugin.DefaultProcedureName
	}
	return &Server{registry: reg, codec: c, procedure: procedure, log: log}
}

// Start listens on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024),
		grpc.MaxSendMsgSize(100*1024*1024),
	)
	RegisterPlugInServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC plug-in service starting", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) QueryProcedures(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	procs := s.registry.Procedures()
	names := make([]any, 0, len(procs))
	for _, p := range procs {
		names = append(names, p.Name)
	}
	return structpb.NewStruct(map[string]any{"procedures": names})
}

func (s *Server) Describe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(in.AsMap(), "name")
	if name == "" {
		name = s.procedure
	}
	p, ok := s.registry.Lookup(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "procedure %s not registered", name)
	}
	paths := make([]any, 0, len(p.MenuPaths))
	for _, m := range p.MenuPaths {
		paths = append(paths, m)
	}
	desc := map[string]any{
		"name":        p.Name,
		"menu_label":  p.MenuLabel,
		"menu_paths":  paths,
		"blurb":       p.Blurb,
		"help":        p.Help,
		"authors":     p.Authors,
		"copyright":   p.Copyright,
		"date":        p.Date,
		"image_types": p.ImageTypes,
		"arity":       p.Arity,
	}
	if domain, ok := s.registry.Domain(p.Name); ok {
		desc["i18n_domain"] = domain
	}
	return structpb.NewStruct(desc)
}

// Run decodes the "image" and "trimap" layers, runs the procedure on a
// fresh document and returns every inserted layer.
func (s *Server) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := in.AsMap()
	name := stringField(req, "procedure")
	if name == "" {
		name = s.procedure
	}
	mode := plugin.RunNonInteractive
	if m := stringField(req, "run_mode"); m != "" {
		mode = plugin.ParseRunMode(m)
	}

	imgName, img, err := s.decodeLayer(req, "image")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	triName, tri, err := s.decodeLayer(req, "trimap")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	doc, err := document.FromImages("grpc", imgName, img, triName, tri)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	started := time.Now()
	ret := s.registry.Run(ctx, name, mode, doc)
	if ret.Err != nil {
		return nil, statusError(ret)
	}

	layers := make([]any, 0, 2)
	for _, l := range doc.Inserted() {
		var buf bytes.Buffer
		if err := codec.Encode(&buf, layer.Flatten(l), codec.PNG); err != nil {
			return nil, status.Errorf(codes.Internal, "encode layer %s: %v", l.Name, err)
		}
		b := l.Bounds()
		layers = append(layers, map[string]any{
			"name":   l.Name,
			"data":   base64.StdEncoding.EncodeToString(buf.Bytes()),
			"width":  b.Dx(),
			"height": b.Dy(),
		})
	}
	return structpb.NewStruct(map[string]any{
		"status":   ret.Status.String(),
		"layers":   layers,
		"solve_ms": time.Since(started).Milliseconds(),
	})
}

func (s *Server) decodeLayer(req map[string]any, field string) (string, image.Image, error) {
	m, ok := req[field].(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("missing %s layer", field)
	}
	raw, err := base64.StdEncoding.DecodeString(stringField(m, "data"))
	if err != nil {
		return "", nil, fmt.Errorf("%s layer data: %w", field, err)
	}
	img, _, err := s.codec.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("decode %s layer: %w", field, err)
	}
	name := stringField(m, "name")
	if name == "" {
		name = field
	}
	return name, img, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// statusError maps a failed procedure return onto a gRPC status.
func statusError(ret plugin.Return) error {
	if errors.Is(ret.Err, plugin.ErrUnknownProcedure) {
		return status.Error(codes.NotFound, ret.Err.Error())
	}
	switch ret.Status {
	case plugin.StatusCallingError:
		return status.Error(codes.InvalidArgument, ret.Err.Error())
	case plugin.StatusCancel:
		return status.Error(codes.Canceled, ret.Err.Error())
	}
	return status.Error(codes.Internal, ret.Err.Error())
}

// EncodeLayer builds the Struct form of a layer for Run requests.
func EncodeLayer(name string, img image.Image) (map[string]any, error) {
	var buf bytes.Buffer
	if err := codec.Encode(&buf, img, codec.PNG); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "data": base64.StdEncoding.EncodeToString(buf.Bytes())}, nil
}

// DecodeLayers extracts the layers of a Run response.
func DecodeLayers(out *structpb.Struct) (map[string]image.Image, error) {
	list, _ := out.AsMap()["layers"].([]any)
	layers := make(map[string]image.Image, len(list))
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(stringField(m, "data"))
		if err != nil {
			return nil, err
		}
		img, _, err := codec.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		layers[stringField(m, "name")] = img
	}
	return layers, nil
}
