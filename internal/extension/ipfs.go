package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/blocklessnetwork/bls-runtime-go/pkg/protocol"
)

// IPFSClient runs MFS commands against a node's HTTP API
// (POST /api/v0/files/*).
type IPFSClient struct {
	apiURL      string
	client      *http.Client
	maxBodySize int64
	logger      *zap.Logger
}

// NewIPFSClient creates a client for the API at apiURL.
func NewIPFSClient(apiURL string, client *http.Client, maxBodySize int64, logger *zap.Logger) *IPFSClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &IPFSClient{
		apiURL:      strings.TrimRight(apiURL, "/"),
		client:      client,
		maxBodySize: maxBodySize,
		logger:      logger.With(zap.String("component", "ext-ipfs")),
	}
}

// APIURL returns the node API base URL.
func (c *IPFSClient) APIURL() string {
	return c.apiURL
}

// Exec runs cmd and returns the node's response body.
func (c *IPFSClient) Exec(ctx context.Context, cmd protocol.IPFSCommand) ([]byte, error) {
	name := cmd.Name()
	if name == "" {
		return nil, errors.New("ipfs command must set exactly one operation")
	}

	q := url.Values{}
	var op string
	var body io.Reader
	var contentType string

	switch {
	case cmd.FilesLs != nil:
		op = "ls"
		q.Set("arg", cmd.FilesLs.Path)
		q.Set("long", "true")
	case cmd.FilesStat != nil:
		op = "stat"
		q.Set("arg", cmd.FilesStat.Path)
	case cmd.FilesRead != nil:
		op = "read"
		q.Set("arg", cmd.FilesRead.Path)
		if cmd.FilesRead.Offset != nil {
			q.Set("offset", strconv.FormatInt(*cmd.FilesRead.Offset, 10))
		}
		if cmd.FilesRead.Count != nil {
			q.Set("count", strconv.FormatInt(*cmd.FilesRead.Count, 10))
		}
	case cmd.FilesWrite != nil:
		op = "write"
		w := cmd.FilesWrite
		q.Set("arg", w.Path)
		q.Set("create", strconv.FormatBool(w.Create))
		q.Set("truncate", strconv.FormatBool(w.Truncate))
		q.Set("parents", strconv.FormatBool(w.Parents))
		var err error
		body, contentType, err = multipartFile(w.Data)
		if err != nil {
			return nil, err
		}
	case cmd.FilesMkdir != nil:
		op = "mkdir"
		q.Set("arg", cmd.FilesMkdir.Path)
		q.Set("parents", strconv.FormatBool(cmd.FilesMkdir.Parents))
	case cmd.FilesCp != nil:
		op = "cp"
		q.Add("arg", cmd.FilesCp.Source)
		q.Add("arg", cmd.FilesCp.Dest)
	case cmd.FilesMv != nil:
		op = "mv"
		q.Add("arg", cmd.FilesMv.Source)
		q.Add("arg", cmd.FilesMv.Dest)
	case cmd.FilesRm != nil:
		op = "rm"
		q.Set("arg", cmd.FilesRm.Path)
		q.Set("recursive", strconv.FormatBool(cmd.FilesRm.Recursive))
		q.Set("force", strconv.FormatBool(cmd.FilesRm.Force))
	}

	data, err := c.post(ctx, "/api/v0/files/"+op+"?"+q.Encode(), body, contentType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return data, nil
}

func multipartFile(data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "data")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// apiError is the body the node returns for failed commands.
type apiError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

func (c *IPFSClient) post(ctx context.Context, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, c.maxBodySize)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("IPFS request completed",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode != http.StatusOK {
		var e apiError
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, e.Message)
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return data, nil
}
