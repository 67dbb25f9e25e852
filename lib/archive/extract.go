package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lib/archive")

var ErrBadArchive = fmt.Errorf("cannot extract file")

// Extract unpacks the zip at archivePath into dest, then normalizes the
// resulting shape: a single wrapping top level directory is flattened
// away and directories left without any files are pruned. on failure the
// dest subtree is removed so a failed extraction never leaves partial
// output behind.
func Extract(ctx context.Context, archivePath, dest string) error {
	ctx, span := tracer.Start(ctx, "Extract")
	defer span.End()
	span.SetAttributes(
		attribute.String("archive", archivePath),
		attribute.String("dest", dest),
	)

	err := extract(ctx, archivePath, dest)
	if err != nil {
		// the caller merges everything under its staging root, so a
		// failed extraction must not leave a half-built subtree there
		os.RemoveAll(dest)
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return err
	}
	return nil
}

func extract(ctx context.Context, archivePath, dest string) error {
	err := extractAll(ctx, archivePath, dest)
	if err != nil {
		return err
	}
	err = flattenIntermediaryDir(dest)
	if err != nil {
		return err
	}
	return pruneEmptyDirs(dest)
}

func extractAll(ctx context.Context, archivePath, dest string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadArchive, archivePath)
	}
	defer reader.Close()

	err = os.MkdirAll(dest, 0755)
	if err != nil {
		return err
	}

	for _, f := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := extractEntry(f, dest)
		if err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, dest string) error {
	// entries with absolute or parent-traversing names must never
	// escape the staging subtree
	target := filepath.Join(dest, filepath.Clean("/"+f.Name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("%w: illegal entry path %q", ErrBadArchive, f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}

	err := os.MkdirAll(filepath.Dir(target), 0755)
	if err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadArchive, f.Name)
	}
	defer src.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, src)
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// many bulk archives wrap their payload in a single top level folder
// named after the remote course. hoisting its contents keeps the
// destination layout stable when the remote name changes. only one
// level is flattened and only when there is exactly one entry.
func flattenIntermediaryDir(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	wrapper := filepath.Join(dest, entries[0].Name())
	children, err := os.ReadDir(wrapper)
	if err != nil {
		return err
	}
	for _, child := range children {
		err := os.Rename(
			filepath.Join(wrapper, child.Name()),
			filepath.Join(dest, child.Name()),
		)
		if err != nil {
			return err
		}
	}
	return os.Remove(wrapper)
}

// pruneEmptyDirs removes, leaves first, every directory under dir that
// holds neither files nor subdirectories. dir itself is kept.
func pruneEmptyDirs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		err := pruneEmptyDirs(sub)
		if err != nil {
			return err
		}

		remaining, err := os.ReadDir(sub)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			err := os.Remove(sub)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
