package extension

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"go.uber.org/zap"

	"github.com/blocklessnetwork/bls-runtime-go/pkg/protocol"
)

const s3Service = "s3"

// ErrMissingCredentials is returned for S3 commands without keys.
var ErrMissingCredentials = errors.New("credentials not set")

// S3Client runs S3Commands against path-style endpoints, signing every
// request with AWS Signature Version 4.
type S3Client struct {
	client        *http.Client
	signer        *v4.Signer
	defaultRegion string
	maxBodySize   int64
	now           func() time.Time
	logger        *zap.Logger
}

// NewS3Client creates an S3 client. Commands without a region use
// defaultRegion.
func NewS3Client(client *http.Client, defaultRegion string, maxBodySize int64, logger *zap.Logger) *S3Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &S3Client{
		client:        client,
		signer:        v4.NewSigner(),
		defaultRegion: defaultRegion,
		maxBodySize:   maxBodySize,
		now:           time.Now,
		logger:        logger.With(zap.String("component", "ext-s3")),
	}
}

// Exec runs cmd and returns the response body. S3List results are
// converted from the ListObjectsV2 XML to a JSON protocol.S3ListResult.
func (c *S3Client) Exec(ctx context.Context, cmd protocol.S3Command) ([]byte, error) {
	name := cmd.Name()
	if name == "" {
		return nil, errors.New("s3 command must set exactly one operation")
	}
	cfg, _ := cmd.Config()

	var (
		method string
		target string
		query  url.Values
		body   []byte
		err    error
	)
	switch {
	case cmd.Create != nil:
		method = http.MethodPut
		target, err = url.JoinPath(cfg.Endpoint, cmd.Create.BucketName)
	case cmd.List != nil:
		method = http.MethodGet
		target, err = url.JoinPath(cfg.Endpoint, cmd.List.BucketName)
		query = url.Values{"list-type": {"2"}, "prefix": {cmd.List.Prefix}}
		if cmd.List.Delimiter != nil {
			query.Set("delimiter", *cmd.List.Delimiter)
		}
	case cmd.Get != nil:
		method = http.MethodGet
		target, err = url.JoinPath(cfg.Endpoint, cmd.Get.BucketName, cmd.Get.Path)
	case cmd.Put != nil:
		method = http.MethodPut
		target, err = url.JoinPath(cfg.Endpoint, cmd.Put.BucketName, cmd.Put.Path)
		body = cmd.Put.Content
	case cmd.Delete != nil:
		method = http.MethodDelete
		target, err = url.JoinPath(cfg.Endpoint, cmd.Delete.BucketName, cmd.Delete.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: invalid endpoint %q: %w", name, cfg.Endpoint, err)
	}
	if query != nil {
		target += "?" + query.Encode()
	}

	data, err := c.do(ctx, cfg, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if cmd.List != nil {
		return listToJSON(data)
	}
	return data, nil
}

func (c *S3Client) do(ctx context.Context, cfg protocol.S3Config, method, target string, body []byte) ([]byte, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, ErrMissingCredentials
	}
	region := c.defaultRegion
	if cfg.Region != nil && *cfg.Region != "" {
		region = *cfg.Region
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	creds := aws.Credentials{AccessKeyID: cfg.AccessKey, SecretAccessKey: cfg.SecretKey}
	if err := c.signer.SignHTTP(ctx, creds, req, payloadHash, s3Service, region, c.now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
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

	c.logger.Debug("S3 request completed",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, s3Error(resp.StatusCode, data)
	}
	return data, nil
}

type s3ErrorBody struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func s3Error(status int, body []byte) error {
	var e s3ErrorBody
	if xml.Unmarshal(body, &e) == nil && e.Code != "" {
		return fmt.Errorf("status %d: %s: %s", status, e.Code, e.Message)
	}
	return fmt.Errorf("status %d", status)
}

type listBucketResult struct {
	Name        string  `xml:"Name"`
	Prefix      *string `xml:"Prefix"`
	IsTruncated bool    `xml:"IsTruncated"`
	Contents    []struct {
		Key          string  `xml:"Key"`
		LastModified string  `xml:"LastModified"`
		ETag         *string `xml:"ETag"`
		Size         uint64  `xml:"Size"`
		StorageClass *string `xml:"StorageClass"`
	} `xml:"Contents"`
}

func listToJSON(data []byte) ([]byte, error) {
	var list listBucketResult
	if err := xml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("S3List: decode listing: %w", err)
	}
	out := protocol.S3ListResult{
		Name:        list.Name,
		IsTruncated: list.IsTruncated,
		Prefix:      list.Prefix,
		Contents:    make([]protocol.S3ListContent, 0, len(list.Contents)),
	}
	for _, c := range list.Contents {
		out.Contents = append(out.Contents, protocol.S3ListContent{
			LastModified: c.LastModified,
			ETag:         c.ETag,
			StorageClass: c.StorageClass,
			Key:          c.Key,
			Size:         c.Size,
		})
	}
	return json.Marshal(out)
}
