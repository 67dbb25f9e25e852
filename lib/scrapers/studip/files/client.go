package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"studipsync-backend/lib/htmlutil"
	"studipsync-backend/lib/scrapers/studip/core"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/studip/files")

var ErrFolderNotFound = fmt.Errorf("no accessible folder for course")

// Client consumes the authenticated file pages of a core session. fetch
// calls must stay sequential, the session they ride on is stateful.
type Client struct {
	Core *core.Client
}

func NewClient(coreClient *core.Client) Client {
	return Client{Core: coreClient}
}

// RootFolderId scrapes the id of the top level folder holding a course's
// files. a missing folder usually means the account is not subscribed to
// the course or the course id is wrong.
func (c Client) RootFolderId(ctx context.Context, courseId string) (string, error) {
	ctx, span := tracer.Start(ctx, "client:RootFolderId")
	defer span.End()
	span.SetAttributes(attribute.String("course_id", courseId))

	res, err := c.Core.Http.R().
		SetContext(ctx).
		SetQueryParam("cid", courseId).
		Get("/dispatch.php/course/files")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch course files page")
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse course files html")
		return "", err
	}

	folderId := htmlutil.InputValue(doc, "parent_folder_id")
	if folderId == "" {
		span.SetStatus(codes.Error, "parent folder input missing")
		return "", fmt.Errorf("%w: %s", ErrFolderNotFound, courseId)
	}
	return folderId, nil
}

// DownloadBulk streams the bulk download archive for the given folder
// scope to dest, carrying over the session's cookies and csrf token. on
// error dest may hold a partial file, the caller must discard it.
func (c Client) DownloadBulk(ctx context.Context, courseId, folderId, scopeId, dest string) error {
	ctx, span := tracer.Start(ctx, "client:DownloadBulk")
	defer span.End()
	span.SetAttributes(
		attribute.String("course_id", courseId),
		attribute.String("folder_id", folderId),
	)

	res, err := c.Core.Http.R().
		SetContext(ctx).
		SetQueryParam("cid", courseId).
		SetFormData(map[string]string{
			"security_token": c.Core.SecurityToken,
			"ids[]":          scopeId,
			"download":       "1",
		}).
		SetDoNotParseResponse(true).
		Post("/dispatch.php/file/bulk/" + folderId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk download request failed")
		return err
	}
	body := res.RawBody()
	defer body.Close()

	if res.StatusCode() < 200 || res.StatusCode() >= 300 {
		span.SetStatus(codes.Error, "bulk download returned non-success status")
		return fmt.Errorf("download failed with status %d for course %s", res.StatusCode(), courseId)
	}

	out, err := os.Create(dest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create download file")
		return err
	}
	_, err = io.Copy(out, body)
	if err != nil {
		out.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stream archive body")
		return err
	}
	return out.Close()
}

// Fetch resolves the root folder of a course and streams its bulk
// download archive to dest. when syncOnly is non empty the download is
// restricted to that sub folder instead of the whole course.
func (c Client) Fetch(ctx context.Context, courseId, syncOnly, dest string) error {
	ctx, span := tracer.Start(ctx, "client:Fetch")
	defer span.End()

	folderId, err := c.RootFolderId(ctx, courseId)
	if err != nil {
		return err
	}

	scope := syncOnly
	if scope == "" {
		scope = folderId
	}
	return c.DownloadBulk(ctx, courseId, folderId, scope, dest)
}
