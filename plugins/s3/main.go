// Command s3 is the reference SaveSync plugin. It stores every folder archive as
// <prefix><tag>/<folder>.zip in an S3 compatible bucket, with the folder's modification
// time in the object metadata.
//
// Build it as a shared library and drop it into the plugins directory:
//
//	go build -buildmode=c-shared -o libs3.so ./plugins/s3
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
)

const (
	pluginName        = "Amazon S3"
	pluginDescription = "Stores saves in an S3 compatible bucket"
	pluginAuthor      = "SaveSync"
	pluginIcon        = "https://a0.awsstatic.com/libra-css/images/logos/aws_logo_smile_1200x630.png"
)

var (
	clients = newStores()
	running = newTransfers()
)

func main() {}

func validate(blob, redirectURI string) error {
	ctx, done := running.begin()
	defer done()

	st, err := clients.get(ctx, blob)
	if err != nil {
		return err
	}
	_, err = st.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(st.bucket),
		Prefix:  aws.String(st.prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not reachable: %w", st.bucket, err)
	}
	return nil
}

func extractCredentials(callbackURL string) (string, error) {
	creds, err := parseCallback(callbackURL)
	if err != nil {
		return "", err
	}
	blob, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func readCloud(blob string) ([]*remoteFolder, error) {
	ctx, done := running.begin()
	defer done()

	st, err := clients.get(ctx, blob)
	if err != nil {
		return nil, err
	}
	return st.List(ctx)
}

func download(blob, tag, folder string) ([]byte, error) {
	return withStore(blob, func(ctx context.Context, st *store) ([]byte, error) {
		return st.Download(ctx, tag, folder)
	})
}

func upload(blob, tag, folder string, modified time.Time, data []byte) error {
	_, err := withStore(blob, func(ctx context.Context, st *store) ([]byte, error) {
		return nil, st.Upload(ctx, tag, folder, modified, data)
	})
	return err
}

func remove(blob, tag, folder string) error {
	_, err := withStore(blob, func(ctx context.Context, st *store) ([]byte, error) {
		return nil, st.Remove(ctx, tag, folder)
	})
	return err
}

// abort cancels the running calls. An empty message means nothing was running.
func abort() string {
	if n := running.abortAll(); n > 0 {
		return fmt.Sprintf("cancelled %d running transfer(s)", n)
	}
	return ""
}

func withStore(blob string, fn func(ctx context.Context, st *store) ([]byte, error)) ([]byte, error) {
	ctx, done := running.begin()
	defer done()

	st, err := clients.get(ctx, blob)
	if err != nil {
		return nil, err
	}
	return fn(ctx, st)
}
