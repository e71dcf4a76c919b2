package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"biopoem/pkg/agentapi"
	"biopoem/pkg/errs"
)

// PrepareTask places the task at workdir/dag.factfile. task is either an
// http(s) URL to download or a local path, resolved against workdir when
// relative.
func PrepareTask(ctx context.Context, client *http.Client, workdir, task string) (string, error) {
	dest := filepath.Join(workdir, agentapi.TaskFile)

	if u, err := url.Parse(task); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		if err := download(ctx, client, task, dest); err != nil {
			return "", fmt.Errorf("download task: %w", err)
		}
		return dest, nil
	}

	src := task
	if !filepath.IsAbs(src) {
		src = filepath.Join(workdir, src)
	}
	info, err := os.Stat(src)
	if err != nil || info.IsDir() {
		return "", errs.Configf("task", "%q is not a http(s):// link or a local file", task)
	}
	if same, _ := samePath(src, dest); same {
		return dest, nil
	}
	if err := copyFile(src, dest); err != nil {
		return "", fmt.Errorf("copy task: %w", err)
	}
	return dest, nil
}

func download(ctx context.Context, client *http.Client, rawURL, dest string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, string(body))
	}
	return writeFrom(dest, resp.Body)
}

func copyFile(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeFrom(dest, f)
}

func writeFrom(dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func samePath(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}
