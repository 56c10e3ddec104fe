package compose

import (
	"fmt"
	"net/http"

	"github.com/atoms-tech/atomsAgent/pkg/models"
)

// BuildSpec turns a caller-supplied server declaration into a live handle.
// Specs are trusted pass-through: no credential resolution happens, any
// headers the caller declared are forwarded verbatim.
func (b *TransportBuilder) BuildSpec(spec models.AdditionalServerSpec) (ServerHandle, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("additional server: missing name: %w", ErrInvalidTransportConfig)
	}

	switch spec.Transport {
	case models.TransportStdio:
		if spec.Command == "" {
			return nil, fmt.Errorf("additional server %q: stdio transport requires a command: %w", spec.Name, ErrInvalidTransportConfig)
		}
		cfg := &models.ServerConfig{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Transport: models.TransportStdio,
			Command:   spec.Command,
			Args:      spec.Args,
			Env:       spec.Env,
		}
		return newStdioHandle(cfg, nil), nil

	case models.TransportHTTP, models.TransportSSE:
		target, err := NormalizeEndpoint(spec.URL)
		if err != nil {
			return nil, fmt.Errorf("additional server %q: %v: %w", spec.Name, err, ErrInvalidTransportConfig)
		}
		headers := http.Header{}
		for k, v := range spec.Headers {
			headers.Set(k, v)
		}
		return &httpHandle{
			kind:    spec.Transport,
			url:     target,
			headers: headers,
			client:  b.client,
		}, nil
	}

	return nil, fmt.Errorf("additional server %q: transport %q: %w", spec.Name, spec.Transport, ErrUnsupportedTransport)
}
