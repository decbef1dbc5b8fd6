package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	archiveExt     = ".zip"
	modifiedMeta   = "savesync-modified"
	callbackScheme = "savesync"
	callbackHost   = "s3"
	headWorkers    = 8
	callTimeout    = 10 * time.Minute
)

var errNoCredentials = errors.New("no S3 credentials: run `savesync authorize 'savesync://s3?bucket=..&region=..&access_key_id=..&secret_access_key=..'`")

// s3Credentials is the credential blob the host stores for this plugin.
type s3Credentials struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Prefix          string `json:"prefix,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

func (c *s3Credentials) validate() error {
	switch {
	case c.Bucket == "":
		return errors.New("bucket is required")
	case c.Region == "":
		return errors.New("region is required")
	case c.AccessKeyID == "" || c.SecretAccessKey == "":
		return errors.New("access_key_id and secret_access_key are required")
	}
	return nil
}

// parseCallback builds credentials from savesync://s3?bucket=..&region=..&... URLs.
func parseCallback(raw string) (*s3Credentials, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse callback: %w", err)
	}
	if u.Scheme != callbackScheme || u.Host != callbackHost {
		return nil, fmt.Errorf("unexpected callback %q, want %s://%s?...", u.Redacted(), callbackScheme, callbackHost)
	}
	q := u.Query()
	creds := &s3Credentials{
		Bucket:          q.Get("bucket"),
		Region:          q.Get("region"),
		Prefix:          q.Get("prefix"),
		Endpoint:        q.Get("endpoint"),
		AccessKeyID:     q.Get("access_key_id"),
		SecretAccessKey: q.Get("secret_access_key"),
	}
	if creds.Prefix != "" && !strings.HasSuffix(creds.Prefix, "/") {
		creds.Prefix += "/"
	}
	if err := creds.validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

func decodeCredentials(blob string) (*s3Credentials, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, errNoCredentials
	}
	var creds s3Credentials
	if err := json.Unmarshal([]byte(blob), &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if err := creds.validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

// objectAPI is the part of *s3.Client the store uses.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type remoteFolder struct {
	Tag          string
	Folder       string
	LastModified time.Time
}

// store maps (tag, folder) onto <prefix><tag>/<folder>.zip objects.
type store struct {
	api    objectAPI
	bucket string
	prefix string
}

func newStore(ctx context.Context, creds *s3Credentials) (*store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		),
		config.WithRegion(creds.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &store{api: client, bucket: creds.Bucket, prefix: creds.Prefix}, nil
}

func (s *store) key(tag, folder string) string {
	return s.prefix + tag + "/" + folder + archiveExt
}

// splitKey is the inverse of key. Objects outside the layout are skipped.
func (s *store) splitKey(key string) (tag, folder string, ok bool) {
	rel, found := strings.CutPrefix(key, s.prefix)
	if !found {
		return "", "", false
	}
	rel, found = strings.CutSuffix(rel, archiveExt)
	if !found {
		return "", "", false
	}
	tag, folder, found = strings.Cut(rel, "/")
	if !found || tag == "" || folder == "" || strings.Contains(folder, "/") {
		return "", "", false
	}
	return tag, folder, true
}

func (s *store) List(ctx context.Context) ([]*remoteFolder, error) {
	var out []*remoteFolder
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apiError("list objects", err)
		}
		for _, obj := range page.Contents {
			tag, folder, ok := s.splitKey(aws.ToString(obj.Key))
			if !ok {
				continue
			}
			out = append(out, &remoteFolder{Tag: tag, Folder: folder, LastModified: aws.ToTime(obj.LastModified)})
		}
	}

	// the listing carries the upload time, the archive's own timestamp lives in metadata
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headWorkers)
	for _, f := range out {
		f := f
		g.Go(func() error {
			head, err := s.api.HeadObject(gctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.key(f.Tag, f.Folder)),
			})
			if err != nil {
				return apiError(fmt.Sprintf("head %s/%s", f.Tag, f.Folder), err)
			}
			if t, ok := parseModified(head.Metadata); ok {
				f.LastModified = t
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *store) Download(ctx context.Context, tag, folder string) ([]byte, error) {
	resp, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(tag, folder)),
	})
	if err != nil {
		return nil, apiError(fmt.Sprintf("get %s/%s", tag, folder), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", tag, folder, err)
	}
	return data, nil
}

func (s *store) Upload(ctx context.Context, tag, folder string, modified time.Time, data []byte) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(tag, folder)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/zip"),
		Metadata:      map[string]string{modifiedMeta: strconv.FormatInt(modified.Unix(), 10)},
	})
	if err != nil {
		return apiError(fmt.Sprintf("put %s/%s", tag, folder), err)
	}
	return nil
}

func (s *store) Remove(ctx context.Context, tag, folder string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(tag, folder)),
	})
	if err != nil {
		return apiError(fmt.Sprintf("delete %s/%s", tag, folder), err)
	}
	return nil
}

// apiError rewords the S3 error codes a user can act on.
func apiError(op string, err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch ae.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%s: no such object in the bucket: %w", op, err)
	case "NoSuchBucket":
		return fmt.Errorf("%s: bucket does not exist: %w", op, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return fmt.Errorf("%s: credentials rejected (%s), authorize the plugin again: %w", op, ae.ErrorCode(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func parseModified(meta map[string]string) (time.Time, bool) {
	for k, v := range meta {
		if !strings.EqualFold(k, modifiedMeta) {
			continue
		}
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs <= 0 {
			return time.Time{}, false
		}
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}

// stores caches one client per credential blob.
type stores struct {
	cache *lru.Cache[string, *store]
	open  func(ctx context.Context, creds *s3Credentials) (*store, error)
}

func newStores() *stores {
	cache, _ := lru.New[string, *store](4)
	return &stores{cache: cache, open: newStore}
}

func (s *stores) get(ctx context.Context, blob string) (*store, error) {
	if st, ok := s.cache.Get(blob); ok {
		return st, nil
	}
	creds, err := decodeCredentials(blob)
	if err != nil {
		return nil, err
	}
	st, err := s.open(ctx, creds)
	if err != nil {
		return nil, err
	}
	s.cache.Add(blob, st)
	return st, nil
}

// transfers tracks running calls so abort can cancel them.
type transfers struct {
	mu      sync.Mutex
	next    uint64
	running map[uint64]context.CancelFunc
}

func newTransfers() *transfers {
	return &transfers{running: make(map[uint64]context.CancelFunc)}
}

func (t *transfers) begin() (context.Context, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)

	t.mu.Lock()
	id := t.next
	t.next++
	t.running[id] = cancel
	t.mu.Unlock()

	return ctx, func() {
		t.mu.Lock()
		delete(t.running, id)
		t.mu.Unlock()
		cancel()
	}
}

// abortAll cancels every running call and reports how many there were.
func (t *transfers) abortAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.running)
	for id, cancel := range t.running {
		cancel()
		delete(t.running, id)
	}
	return n
}
