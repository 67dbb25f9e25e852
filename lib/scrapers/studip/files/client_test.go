package files

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"studipsync-backend/lib/scrapers/studip/core"
	"studipsync-backend/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

const filesPage = `<html><body>
<form method="post">
<input type="hidden" name="parent_folder_id" value="folder-root">
</form>
</body></html>`

const noAccessPage = `<html><body>you are not subscribed to this course</body></html>`

var archiveBytes = []byte("PK\x03\x04 pretend archive payload")

func fakeFilesPortal(t testing.TB) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /dispatch.php/course/files", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cid") {
		case "course-ok":
			fmt.Fprint(w, filesPage)
		default:
			fmt.Fprint(w, noAccessPage)
		}
	})
	mux.HandleFunc("POST /dispatch.php/file/bulk/{folder}", func(w http.ResponseWriter, r *http.Request) {
		err := r.ParseForm()
		if err != nil {
			t.Error(err)
		}
		if r.PostForm.Get("security_token") != "csrf-1" || r.PostForm.Get("download") != "1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.PathValue("folder") != "folder-root" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// the remote size ceiling shows up as a plain non-success
		// status on the bulk endpoint
		if r.PostForm.Get("ids[]") == "folder-too-big" {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.Write(archiveBytes)
	})
	return httptest.NewServer(mux)
}

func testClient(t testing.TB, serverUrl string) Client {
	baseUrl, err := url.Parse(serverUrl)
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(&core.Client{
		BaseUrl:       baseUrl,
		Http:          resty.New().SetBaseURL(serverUrl),
		SecurityToken: "csrf-1",
	})
}

func TestRootFolderId(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:scrapers/studip/files")
	defer cleanup()

	server := fakeFilesPortal(t)
	defer server.Close()
	client := testClient(t, server.URL)

	folderId, err := client.RootFolderId(context.Background(), "course-ok")
	require.NoError(t, err)
	require.Equal(t, "folder-root", folderId)
}

func TestRootFolderIdNoAccess(t *testing.T) {
	server := fakeFilesPortal(t)
	defer server.Close()
	client := testClient(t, server.URL)

	_, err := client.RootFolderId(context.Background(), "course-hidden")
	require.ErrorIs(t, err, ErrFolderNotFound)
}

func TestFetchStreamsArchive(t *testing.T) {
	server := fakeFilesPortal(t)
	defer server.Close()
	client := testClient(t, server.URL)

	dest := filepath.Join(t.TempDir(), "course-ok")
	err := client.Fetch(context.Background(), "course-ok", "", dest)
	require.NoError(t, err)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, archiveBytes, content)
}

func TestFetchRestrictedScope(t *testing.T) {
	server := fakeFilesPortal(t)
	defer server.Close()
	client := testClient(t, server.URL)

	dest := filepath.Join(t.TempDir(), "course-ok")
	err := client.Fetch(context.Background(), "course-ok", "folder-too-big", dest)
	require.Error(t, err)
}

func TestDownloadBulkNonSuccessStatus(t *testing.T) {
	server := fakeFilesPortal(t)
	defer server.Close()
	client := testClient(t, server.URL)

	dest := filepath.Join(t.TempDir(), "out")
	err := client.DownloadBulk(context.Background(), "course-ok", "folder-root", "folder-too-big", dest)
	require.Error(t, err)

	// nothing got written for the failed download
	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err))
}
