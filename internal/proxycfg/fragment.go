// Package proxycfg materializes the reverse-proxy routing fragment from the
// enabled service records and signals the proxy to reload. The fragment is a
// set of nginx location blocks ordered longest path first so more specific
// prefixes win.
package proxycfg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"text/template"
	"time"

	"go.uber.org/zap"

	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/registry"
)

const reloadTimeout = 10 * time.Second

// fragmentTemplate renders one location block per enabled service. The MCP
// session header is forwarded in both directions by proxy_pass defaults; the
// auth subrequest hook points every route at /validate.
const fragmentTemplate = `# Generated by mcpgateway. Do not edit; changes are overwritten.
{{- range .Routes }}

location {{ .Path }} {
    auth_request /validate;
    auth_request_set $principal_id $upstream_http_x_principal_id;
    auth_request_set $principal_groups $upstream_http_x_principal_groups;
    auth_request_set $principal_idp $upstream_http_x_idp;

    proxy_pass {{ .Upstream }};
    proxy_http_version 1.1;
    proxy_set_header Host $proxy_host;
    proxy_set_header X-Principal-Id $principal_id;
    proxy_set_header X-Principal-Groups $principal_groups;
    proxy_set_header X-Idp $principal_idp;
    proxy_set_header Connection "";
    proxy_buffering off;
    proxy_read_timeout 300s;
{{- range .Headers }}
    proxy_set_header {{ .Name }} "{{ .Value }}";
{{- end }}
}
{{- end }}
`

type routeView struct {
	Path     string
	Upstream string
	Headers  []registry.HeaderInjection
}

// Writer renders and persists the fragment. It implements
// registry.ProxySink.
type Writer struct {
	path          string
	reloadCommand []string
	tmpl          *template.Template
	bus           *events.Bus
	logger        *zap.Logger
}

// NewWriter creates a fragment writer targeting path. reloadCommand, when
// non-empty, is executed after every successful write.
func NewWriter(path string, reloadCommand []string, bus *events.Bus, logger *zap.Logger) *Writer {
	return &Writer{
		path:          path,
		reloadCommand: reloadCommand,
		tmpl:          template.Must(template.New("fragment").Parse(fragmentTemplate)),
		bus:           bus,
		logger:        logger.Named("proxycfg"),
	}
}

// Apply renders the fragment for the enabled records, writes it atomically,
// and signals the proxy. A failed reload signal is logged only; the next
// regeneration converges the proxy.
func (w *Writer) Apply(records []*registry.ServiceRecord) error {
	routes := make([]routeView, 0, len(records))
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		routes = append(routes, routeView{
			Path:     rec.Path,
			Upstream: rec.ProxyPassURL,
			Headers:  rec.Headers,
		})
	}
	// Longest prefix first.
	sort.Slice(routes, func(i, j int) bool {
		if len(routes[i].Path) != len(routes[j].Path) {
			return len(routes[i].Path) > len(routes[j].Path)
		}
		return routes[i].Path < routes[j].Path
	})

	var buf bytes.Buffer
	if err := w.tmpl.Execute(&buf, map[string]any{"Routes": routes}); err != nil {
		return fmt.Errorf("failed to render proxy fragment: %w", err)
	}

	if err := w.atomicWrite(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write proxy fragment: %w", err)
	}

	w.logger.Info("proxy fragment regenerated",
		zap.String("path", w.path),
		zap.Int("routes", len(routes)))

	w.signalReload()
	return nil
}

func (w *Writer) atomicWrite(data []byte) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// signalReload runs the configured reload command and publishes the reload
// event for deployment adapters that watch the bus instead.
func (w *Writer) signalReload() {
	if w.bus != nil {
		w.bus.Emit(events.EventProxyReloadRequested, map[string]any{
			"fragment": w.path,
		})
	}

	if len(w.reloadCommand) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.reloadCommand[0], w.reloadCommand[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		w.logger.Warn("proxy reload command failed",
			zap.Strings("command", w.reloadCommand),
			zap.ByteString("output", out),
			zap.Error(err))
	}
}
