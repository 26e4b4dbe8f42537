package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/config"
	"github.com/eleanor-dfir/eleanor/pkg/connectors"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// spoolPoller ingests files dropped into a spool directory. Each file
// is read once; a file is picked up again when its modification time
// moves forward.
type spoolPoller struct {
	dir        string
	sourceType string

	mu   sync.Mutex
	seen map[string]time.Time
}

func newSpoolPoller(dir, sourceType string) *spoolPoller {
	return &spoolPoller{
		dir:        dir,
		sourceType: sourceType,
		seen:       make(map[string]time.Time),
	}
}

func (p *spoolPoller) poll(ctx context.Context) ([]*models.RawEvent, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool %s: %w", p.dir, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*models.RawEvent
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if last, ok := p.seen[entry.Name()]; ok && !info.ModTime().After(last) {
			continue
		}

		path := filepath.Join(p.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return out, fmt.Errorf("reading %s: %w", path, err)
		}
		p.seen[entry.Name()] = info.ModTime()

		out = append(out, &models.RawEvent{
			Data:      data,
			Source:    entry.Name(),
			Timestamp: info.ModTime().UTC(),
			Metadata: map[string]string{
				"source_type": p.sourceType,
				"path":        path,
			},
		})
	}
	return out, nil
}

// buildConnector constructs one connector from its configuration.
func buildConnector(cc config.ConnectorConfig) (connectors.Connector, error) {
	filter := connectors.FilterConfig{
		IncludePatterns: cc.IncludePatterns,
		ExcludePatterns: cc.ExcludePatterns,
	}

	switch cc.Type {
	case config.ConnectorTypePolling:
		poller := newSpoolPoller(cc.WatchDir, cc.SourceType)
		return connectors.NewPollingConnector(connectors.PollingConfig{
			Name:         cc.Name,
			PollInterval: cc.PollInterval,
			MaxBackoff:   cc.MaxBackoff,
			Filter:       filter,
		}, poller.poll)
	case config.ConnectorTypeStreaming:
		return connectors.NewStreamingConnector(connectors.StreamingConfig{
			Name:      cc.Name,
			QueueSize: cc.QueueSize,
			Filter:    filter,
		})
	}
	return nil, fmt.Errorf("connector %s: unknown type %q", cc.Name, cc.Type)
}
