package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/blocklessnetwork/bls-runtime-go/internal/config"
	"github.com/blocklessnetwork/bls-runtime-go/internal/wasm"
	"github.com/blocklessnetwork/bls-runtime-go/pkg/protocol"
)

// Dispatcher routes guest host calls to the extension clients.
type Dispatcher struct {
	http   *HTTPClient
	s3     *S3Client
	ipfs   *IPFSClient
	logger *zap.Logger
}

var _ wasm.HostCallHandler = (*Dispatcher)(nil)

// NewDispatcher builds the HTTP, S3 and IPFS clients from cfg.
func NewDispatcher(cfg *config.ServerConfig, logger *zap.Logger) *Dispatcher {
	client := &http.Client{Timeout: cfg.HTTP.Timeout}
	return &Dispatcher{
		http:   NewHTTPClient(cfg.HTTP, client, logger),
		s3:     NewS3Client(client, cfg.S3.DefaultRegion, cfg.HTTP.MaxBodySize, logger),
		ipfs:   NewIPFSClient(cfg.IPFS.APIURL, client, cfg.HTTP.MaxBodySize, logger),
		logger: logger.With(zap.String("component", "ext-dispatcher")),
	}
}

// NewDispatcherWithClients wires explicit clients.
func NewDispatcherWithClients(h *HTTPClient, s3 *S3Client, ipfs *IPFSClient, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		http:   h,
		s3:     s3,
		ipfs:   ipfs,
		logger: logger.With(zap.String("component", "ext-dispatcher")),
	}
}

// request is a decoded host call. Exactly one field is set.
type request struct {
	http *protocol.HTTPRequest
	s3   *protocol.S3Command
	ipfs *protocol.IPFSCommand
}

// target is the URL the request reaches, checked against permissions.
func (r request) target(ipfsAPI string) string {
	switch {
	case r.http != nil:
		return r.http.URL
	case r.s3 != nil:
		cfg, _ := r.s3.Config()
		return cfg.Endpoint
	default:
		return ipfsAPI
	}
}

func (d *Dispatcher) decode(call wasm.HostCall) (request, error) {
	kind := call.Kind
	if kind == wasm.CallModule {
		switch call.Module {
		case protocol.ModuleHTTP:
			kind = wasm.CallHTTP
		case protocol.ModuleS3:
			kind = wasm.CallS3
		case protocol.ModuleIPFS:
			kind = wasm.CallIPFS
		default:
			return request{}, fmt.Errorf("unknown module %q", call.Module)
		}
	}

	var r request
	var err error
	switch kind {
	case wasm.CallHTTP:
		r.http = &protocol.HTTPRequest{}
		err = json.Unmarshal(call.Payload, r.http)
	case wasm.CallS3:
		r.s3 = &protocol.S3Command{}
		if err = json.Unmarshal(call.Payload, r.s3); err == nil && r.s3.Name() == "" {
			err = fmt.Errorf("expected exactly one S3 command")
		}
	case wasm.CallIPFS:
		r.ipfs = &protocol.IPFSCommand{}
		if err = json.Unmarshal(call.Payload, r.ipfs); err == nil && r.ipfs.Name() == "" {
			err = fmt.Errorf("expected exactly one IPFS command")
		}
	default:
		return request{}, fmt.Errorf("unsupported call kind %q", kind)
	}
	if err != nil {
		return request{}, fmt.Errorf("invalid %s request: %w", kind, err)
	}
	return r, nil
}

// ValidateHostCall decodes the payload and checks the target against the
// instance's permissions.
func (d *Dispatcher) ValidateHostCall(ctx context.Context, call wasm.HostCall) error {
	r, err := d.decode(call)
	if err != nil {
		return err
	}
	target := r.target(d.ipfs.APIURL())
	if err := Permissions(call.Permissions).Check(target); err != nil {
		d.logger.Warn("Host call denied",
			zap.String("instance_id", call.InstanceID),
			zap.String("kind", string(call.Kind)),
			zap.String("url", target),
		)
		return err
	}
	return nil
}

// HandleHostCall executes a validated call.
func (d *Dispatcher) HandleHostCall(ctx context.Context, call wasm.HostCall) ([]byte, error) {
	r, err := d.decode(call)
	if err != nil {
		return nil, err
	}

	switch {
	case r.http != nil:
		resp, err := d.http.Do(ctx, *r.http)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	case r.s3 != nil:
		return d.s3.Exec(ctx, *r.s3)
	default:
		return d.ipfs.Exec(ctx, *r.ipfs)
	}
}
