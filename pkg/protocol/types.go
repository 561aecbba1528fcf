package protocol

// Wire types exchanged with guests over the blockless host imports.
// Payloads are JSON; enum-like types use the externally tagged layout
// ({"Variant": {...}}) that Rust guests produce with serde.

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Bytes marshals as a JSON array of numbers instead of base64, matching
// the Vec<u8> encoding guests expect. It also accepts a base64 string.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", v)
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return err
		}
		*b = decoded
		return nil
	}
	var nums []uint8
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	*b = nums
	return nil
}

// Method is an HTTP method as spelled by guests ("Get", "Post", ...).
type Method string

const (
	MethodGet    Method = "Get"
	MethodPost   Method = "Post"
	MethodPut    Method = "Put"
	MethodDelete Method = "Delete"
	MethodHead   Method = "Head"
	MethodTrace  Method = "Trace"
)

// HTTP returns the canonical net/http spelling of the method.
func (m Method) HTTP() (string, error) {
	switch strings.ToLower(string(m)) {
	case "", "get":
		return "GET", nil
	case "post":
		return "POST", nil
	case "put":
		return "PUT", nil
	case "delete":
		return "DELETE", nil
	case "head":
		return "HEAD", nil
	case "trace":
		return "TRACE", nil
	default:
		return "", fmt.Errorf("invalid method name %q", string(m))
	}
}

// HTTPRequest is the payload of http_call.
type HTTPRequest struct {
	URL     string            `json:"url"`
	Method  Method            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
}

// HTTPResponse is delivered to http_callback inside a CallResult.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    Bytes             `json:"body"`
}

// S3Config carries the credentials and endpoint for one S3 command.
type S3Config struct {
	AccessKey string  `json:"access_key"`
	SecretKey string  `json:"secret_key"`
	Endpoint  string  `json:"endpoint"`
	Region    *string `json:"region,omitempty"`
}

type S3CreateOpts struct {
	Config     S3Config `json:"config"`
	BucketName string   `json:"bucket_name"`
}

type S3ListOpts struct {
	Config     S3Config `json:"config"`
	BucketName string   `json:"bucket_name"`
	Prefix     string   `json:"prefix"`
	Delimiter  *string  `json:"delimiter,omitempty"`
}

type S3GetOpts struct {
	Config     S3Config `json:"config"`
	BucketName string   `json:"bucket_name"`
	Path       string   `json:"path"`
}

type S3PutOpts struct {
	Config     S3Config `json:"config"`
	BucketName string   `json:"bucket_name"`
	Path       string   `json:"path"`
	Content    Bytes    `json:"content"`
}

type S3DeleteOpts struct {
	Config     S3Config `json:"config"`
	BucketName string   `json:"bucket_name"`
	Path       string   `json:"path"`
}

// S3Command is the payload of s3_call. Exactly one variant is set.
type S3Command struct {
	Create *S3CreateOpts `json:"S3Create,omitempty"`
	List   *S3ListOpts   `json:"S3List,omitempty"`
	Get    *S3GetOpts    `json:"S3Get,omitempty"`
	Put    *S3PutOpts    `json:"S3Put,omitempty"`
	Delete *S3DeleteOpts `json:"S3Delete,omitempty"`
}

// Name returns the variant name, or "" if the command is not exactly one variant.
func (c S3Command) Name() string {
	name, n := "", 0
	if c.Create != nil {
		name, n = "S3Create", n+1
	}
	if c.List != nil {
		name, n = "S3List", n+1
	}
	if c.Get != nil {
		name, n = "S3Get", n+1
	}
	if c.Put != nil {
		name, n = "S3Put", n+1
	}
	if c.Delete != nil {
		name, n = "S3Delete", n+1
	}
	if n != 1 {
		return ""
	}
	return name
}

// Config returns the S3Config of the set variant.
func (c S3Command) Config() (S3Config, bool) {
	switch {
	case c.Create != nil:
		return c.Create.Config, true
	case c.List != nil:
		return c.List.Config, true
	case c.Get != nil:
		return c.Get.Config, true
	case c.Put != nil:
		return c.Put.Config, true
	case c.Delete != nil:
		return c.Delete.Config, true
	}
	return S3Config{}, false
}

// S3ListContent is one object in an S3 listing.
type S3ListContent struct {
	LastModified string  `json:"last_modified"`
	ETag         *string `json:"e_tag,omitempty"`
	StorageClass *string `json:"storage_class,omitempty"`
	Key          string  `json:"key"`
	Size         uint64  `json:"size"`
}

// S3ListResult is the JSON form of a bucket listing.
type S3ListResult struct {
	Name        string          `json:"name"`
	IsTruncated bool            `json:"is_truncated"`
	Prefix      *string         `json:"prefix,omitempty"`
	Contents    []S3ListContent `json:"contents"`
}

type FilesPathOpts struct {
	Path string `json:"path"`
}

type FilesReadOpts struct {
	Path   string `json:"path"`
	Offset *int64 `json:"offset,omitempty"`
	Count  *int64 `json:"count,omitempty"`
}

type FilesWriteOpts struct {
	Path     string `json:"path"`
	Data     Bytes  `json:"data"`
	Create   bool   `json:"create"`
	Truncate bool   `json:"truncate"`
	Parents  bool   `json:"parents"`
}

type FilesMkdirOpts struct {
	Path    string `json:"path"`
	Parents bool   `json:"parents"`
}

type FilesMoveOpts struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

type FilesRmOpts struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	Force     bool   `json:"force"`
}

// IPFSCommand is the payload of ipfs_call: an MFS operation against the
// node's HTTP API. Exactly one variant is set.
type IPFSCommand struct {
	FilesLs    *FilesPathOpts  `json:"FilesLs,omitempty"`
	FilesStat  *FilesPathOpts  `json:"FilesStat,omitempty"`
	FilesRead  *FilesReadOpts  `json:"FilesRead,omitempty"`
	FilesWrite *FilesWriteOpts `json:"FilesWrite,omitempty"`
	FilesMkdir *FilesMkdirOpts `json:"FilesMkdir,omitempty"`
	FilesCp    *FilesMoveOpts  `json:"FilesCp,omitempty"`
	FilesMv    *FilesMoveOpts  `json:"FilesMv,omitempty"`
	FilesRm    *FilesRmOpts    `json:"FilesRm,omitempty"`
}

// Name returns the variant name, or "" if the command is not exactly one variant.
func (c IPFSCommand) Name() string {
	name, n := "", 0
	set := func(ok bool, v string) {
		if ok {
			name, n = v, n+1
		}
	}
	set(c.FilesLs != nil, "FilesLs")
	set(c.FilesStat != nil, "FilesStat")
	set(c.FilesRead != nil, "FilesRead")
	set(c.FilesWrite != nil, "FilesWrite")
	set(c.FilesMkdir != nil, "FilesMkdir")
	set(c.FilesCp != nil, "FilesCp")
	set(c.FilesMv != nil, "FilesMv")
	set(c.FilesRm != nil, "FilesRm")
	if n != 1 {
		return ""
	}
	return name
}

// Module names accepted in a ModuleCall envelope.
const (
	ModuleHTTP = "Http"
	ModuleS3   = "S3"
	ModuleIPFS = "Ipfs"
)

// ModuleCall is the envelope passed to host_call.
type ModuleCall struct {
	Module string          `json:"module"`
	Params json.RawMessage `json:"params"`
}

// ModuleCallResponse is delivered to blockless_callback.
type ModuleCallResponse struct {
	Module   string     `json:"module"`
	Response CallResult `json:"response"`
}

// CallResult is the Ok/Err result delivered to every guest callback.
type CallResult struct {
	Ok  Bytes   `json:"Ok,omitempty"`
	Err *string `json:"Err,omitempty"`
}

// OK builds a successful result.
func OK(data []byte) CallResult {
	if data == nil {
		data = []byte{}
	}
	return CallResult{Ok: data}
}

// Failure builds a failed result carrying err's message.
func Failure(err error) CallResult {
	msg := err.Error()
	return CallResult{Err: &msg}
}

// MarshalJSON keeps "Ok":[] for an empty successful result.
func (r CallResult) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(struct {
			Err string `json:"Err"`
		}{*r.Err})
	}
	return json.Marshal(struct {
		Ok Bytes `json:"Ok"`
	}{r.Ok})
}

// Result returns the payload or the carried error.
func (r CallResult) Result() ([]byte, error) {
	if r.Err != nil {
		return nil, errors.New(*r.Err)
	}
	return r.Ok, nil
}
