package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/evroon/web1090/internal/model"
)

// piawareEntry is one aircraft in a dump1090/piaware database file. The file
// name is the leading part of the ICAO24 address and the map key the rest.
type piawareEntry struct {
	Registration string `json:"r"`
	TypeCode     string `json:"t"`
}

// AircraftTypes imports the piaware aircraft database from dir, one *.json
// file per address prefix. Entries without a type code are skipped.
func (i *Importer) AircraftTypes(ctx context.Context, dir string) (Stats, error) {
	p := i.begin("piaware")

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return p.stats, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)

	for _, path := range files {
		prefix := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), ".json"))
		entries, err := readPiaware(path)
		if err != nil {
			return p.stats, err
		}

		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				return p.stats, err
			}
			p.row()

			e := entries[k]
			if strings.TrimSpace(e.TypeCode) == "" {
				p.skip()
				continue
			}
			_, err := i.merger.MergeAircraft(ctx, model.Aircraft{
				ICAO:         prefix + strings.ToUpper(k),
				Registration: e.Registration,
				TypeCode:     e.TypeCode,
			}, "piaware")
			if err := p.merged(err); err != nil {
				return p.stats, err
			}
		}
	}
	return p.done(), nil
}

// readPiaware decodes one database file. Non-aircraft keys such as the
// "children" index decode to entries without a type code and are skipped.
func readPiaware(path string) (map[string]piawareEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	out := make(map[string]piawareEntry, len(raw))
	for k, v := range raw {
		var e piawareEntry
		if json.Unmarshal(v, &e) != nil {
			continue
		}
		out[k] = e
	}
	return out, nil
}
