// Package weed is a thin client for the SeaweedFS blob store holding build
// artifacts and failure logs.
package weed

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

const authHeader = "Authorization"

// Client talks to one SeaweedFS master and its public volume endpoint.
type Client struct {
	assignURL  string // master assign endpoint
	lookupURL  string // master lookup endpoint, fileId appended as query
	publicBase string // public volume base for download/delete
	httpc      *http.Client
}

// NewClient returns a Client for the given endpoints.
func NewClient(assignURL, lookupURL, publicBase string) *Client {
	return &Client{
		assignURL:  assignURL,
		lookupURL:  lookupURL,
		publicBase: strings.TrimRight(publicBase, "/"),
		httpc:      &http.Client{Timeout: 5 * time.Minute},
	}
}

type assignment struct {
	Fid string `json:"fid"`
	URL string `json:"url"`
}

// assign asks the master for a fresh fid plus the volume URL and auth token
// to upload with.
func (c *Client) assign() (assignment, string, error) {
	resp, err := c.httpc.Get(c.assignURL)
	if err != nil {
		return assignment{}, "", fmt.Errorf("assign: %w", err)
	}
	defer resp.Body.Close()

	var a assignment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return assignment{}, "", fmt.Errorf("decode assign response: %w", err)
	}
	return a, resp.Header.Get(authHeader), nil
}

// Upload stores the file at path under displayName and returns the content
// id. Only HTTP 201 Created counts as success.
func (c *Client) Upload(path, displayName string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%s not exist", path)
	}

	a, token, err := c.assign()
	if err != nil {
		return "", err
	}
	slog.Info("uploading artifact", logfields.Path(path), logfields.Fid(a.Fid))

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("file", displayName)
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/%s", a.URL, a.Fid), pr)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if token != "" {
		req.Header.Set(authHeader, token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload rejected: %s", strings.TrimSpace(string(body)))
	}

	slog.Info("artifact uploaded", logfields.Fid(a.Fid), logfields.URL(c.PublicURL(a.Fid)))
	return a.Fid, nil
}

// Delete removes the blob fid. Only HTTP 202 Accepted counts as success.
func (c *Client) Delete(fid string) error {
	resp, err := c.httpc.Get(c.lookupURL + "?fileId=" + fid)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", fid, err)
	}
	token := resp.Header.Get(authHeader)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, c.PublicURL(fid), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	if token != "" {
		req.Header.Set(authHeader, token)
	}

	dresp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", fid, err)
	}
	defer dresp.Body.Close()

	body, _ := io.ReadAll(dresp.Body)
	if dresp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("delete rejected: %s", strings.TrimSpace(string(body)))
	}
	return nil
}

// PublicURL is the stable download location for a stored blob.
func (c *Client) PublicURL(fid string) string {
	return c.publicBase + "/" + fid
}
