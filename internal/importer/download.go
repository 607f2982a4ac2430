package importer

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Download fetches src into path unless path already exists. A source ending
// in .gz is decompressed on the fly. The file is written under a temporary
// name and renamed once complete.
func (i *Importer) Download(ctx context.Context, client *http.Client, src, path string) error {
	if _, err := os.Stat(path); err == nil {
		i.log.Debug().Str("path", path).Msg("dataset already downloaded")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	i.log.Info().Str("url", src).Msg("downloading dataset")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", src, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if strings.HasSuffix(src, ".gz") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("gunzip %s: %w", src, err)
		}
		defer gz.Close()
		body = gz
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("download %s: %w", src, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename download: %w", err)
	}

	i.log.Info().Str("path", path).Str("size", humanize.Bytes(uint64(n))).Msg("dataset downloaded")
	return nil
}
