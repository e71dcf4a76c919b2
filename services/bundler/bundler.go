// Package bundler archives the rendered tasks of a dispatch run into a
// signed tar.zst bundle.
package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"biopoem/pkg/agentapi"
)

const (
	manifestFileName = "manifest.yaml"
	tasksTarPrefix   = "tasks"
)

// FileName is the bundle name for runID.
func FileName(runID string) string {
	return "tasks-" + runID + ".tar.zst"
}

// Build assembles a bundle from the rendered tasks and writes the tar.zst archive to Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.ResultsDir == "" {
		return nil, errors.New("results directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.ResultsDir)
	if err != nil {
		return nil, fmt.Errorf("stat results dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("results dir %q is not a directory", cfg.ResultsDir)
	}

	entries, err := collectTasks(ctx, cfg.ResultsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no rendered tasks found to bundle")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	manifest := &Manifest{
		Version:   manifestVersion,
		RunID:     cfg.RunID,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Tasks:     entries,
	}

	if cfg.Signer != nil {
		manifest.Signer = cfg.Signer.Recipient()
		manifest.SigningPublicKey = cfg.Signer.PublicKeyBase64()
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("marshal manifest for signing: %w", err)
		}
		sig, err := cfg.Signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("sign manifest: %w", err)
		}
		manifest.Signature = sig
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, cfg.ResultsDir, entries, manifest.CreatedAt); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d tasks)\n", cfg.Output, len(entries))
	return manifest, nil
}

func collectTasks(ctx context.Context, root string) ([]ManifestTask, error) {
	var tasks []ManifestTask
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() || d.Name() != agentapi.TaskFile {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		host := path.Dir(rel)
		if host == "." || strings.Contains(host, "/") {
			return nil
		}

		size, sum, err := hashFile(p)
		if err != nil {
			return err
		}
		tasks = append(tasks, ManifestTask{Host: host, Path: rel, Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func hashFile(p string) (int64, string, error) {
	file, err := os.Open(p)
	if err != nil {
		return 0, "", fmt.Errorf("open %q: %w", p, err)
	}
	defer file.Close()
	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return 0, "", fmt.Errorf("hash %q: %w", p, err)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

func writeBundle(output string, manifest []byte, resultsDir string, entries []ManifestTask, modTime time.Time) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	writeEntry := func(name string, mode int64, r io.Reader, size int64) error {
		header := &tar.Header{
			Name:     name,
			Mode:     mode,
			Size:     size,
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %q: %w", name, err)
		}
		if _, err := io.Copy(tw, r); err != nil {
			return fmt.Errorf("write %q: %w", name, err)
		}
		return nil
	}

	if err := writeEntry(manifestFileName, 0o644, strings.NewReader(string(manifest)), int64(len(manifest))); err != nil {
		return err
	}
	for _, entry := range entries {
		f, err := os.Open(filepath.Join(resultsDir, filepath.FromSlash(entry.Path)))
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}
		err = writeEntry(path.Join(tasksTarPrefix, entry.Path), 0o644, f, entry.Size)
		f.Close()
		if err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return file.Close()
}

// Verify reads the bundle at bundlePath and checks every task digest. When
// signer is non-nil the manifest must carry a valid signature from it.
func Verify(ctx context.Context, bundlePath string, signer *Signer) (*Manifest, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		digests       = map[string]ManifestTask{}
	)

	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}
		rel, ok := strings.CutPrefix(name, tasksTarPrefix+"/")
		if !ok {
			return nil, fmt.Errorf("unexpected entry %q", name)
		}
		hash := sha256.New()
		size, err := io.Copy(hash, tr)
		if err != nil {
			return nil, fmt.Errorf("hash %q: %w", name, err)
		}
		digests[rel] = ManifestTask{Path: rel, Size: size, SHA256: hex.EncodeToString(hash.Sum(nil))}
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}

	if signer != nil {
		if manifest.Signature == "" {
			return nil, errors.New("manifest missing signature")
		}
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("marshal manifest for verification: %w", err)
		}
		if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
			return nil, fmt.Errorf("verify manifest signature: %w", err)
		}
	}

	for _, task := range manifest.Tasks {
		got, ok := digests[task.Path]
		if !ok {
			return nil, fmt.Errorf("task %q missing from archive", task.Path)
		}
		if got.Size != task.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", task.Path, task.Size, got.Size)
		}
		if !strings.EqualFold(got.SHA256, task.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", task.Path)
		}
		delete(digests, task.Path)
	}
	for extra := range digests {
		return nil, fmt.Errorf("archive entry %q not listed in manifest", extra)
	}
	return &manifest, nil
}

// Upload stores the bundle at bundlePath under bucket/key with its sha256.
func Upload(ctx context.Context, up Uploader, bucket, key, bundlePath string) error {
	if up == nil {
		return errors.New("nil uploader")
	}
	size, sum, err := hashFile(bundlePath)
	if err != nil {
		return err
	}
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	if err := up.PutObject(ctx, bucket, key, f, size, sum); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
