package treemerge

import (
	"context"
	"crypto/sha256"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lib/treemerge")

// BackupSuffix derives the run-unique suffix appended to destination
// files superseded by a merge, e.g. "_2024-03-01_14+05+33.old".
func BackupSuffix(t time.Time) string {
	return "_" + t.Format("2006-01-02_15+04+05") + ".old"
}

// Merge recursively reconciles source into dest with checksum based
// change detection. files whose content already matches are left
// untouched. a destination file about to be replaced is first renamed
// with the backup suffix, so no destination content is ever lost, only
// relocated. this mirrors
// rsync --recursive --checksum --backup --suffix=<suffix>.
func Merge(ctx context.Context, source, dest, suffix string) error {
	ctx, span := tracer.Start(ctx, "Merge")
	defer span.End()
	span.SetAttributes(
		attribute.String("source", source),
		attribute.String("dest", dest),
	)

	err := os.MkdirAll(dest, 0755)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create destination")
		return err
	}

	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return mergeFile(path, target, suffix)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge walk failed")
	}
	return err
}

func mergeFile(source, target, suffix string) error {
	targetSum, err := checksum(target)
	if err == nil {
		sourceSum, err := checksum(source)
		if err != nil {
			return err
		}
		if sourceSum == targetSum {
			return nil
		}
		// differing content: relocate the old file before copying
		err = os.Rename(target, target+suffix)
		if err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	return copyFile(source, target)
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	_, err = io.Copy(h, f)
	if err != nil {
		return "", err
	}
	return string(h.Sum(nil)), nil
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
