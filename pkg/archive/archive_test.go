package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func readBundle(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	out := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeDir {
			out[hdr.Name] = "<dir>"
			continue
		}
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(data)
	}
	return out
}

type memUploader struct {
	name string
	data []byte
	err  error
}

func (m *memUploader) Upload(_ context.Context, name string, body io.Reader, size int64) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	m.name, m.data = name, data
	return "bundles/" + name, nil
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"input.txt":          "in",
		"output/result.pdb":  "ATOM",
		"scratch/tmp.dat":    "junk",
		"logs/run.log":       "log",
		"logs/nested/x.core": "core",
	})

	a, err := New(Options{Exclude: []string{"scratch", "**/*.core"}}, nil, nil)
	require.NoError(t, err)

	res, err := a.Archive(context.Background(), dir, "job1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "job1.tar.gz"), res.Path)
	assert.Greater(t, res.Bytes, int64(0))
	assert.Empty(t, res.Key)

	got := readBundle(t, res.Path)
	assert.Equal(t, map[string]string{
		"job1/input.txt":         "in",
		"job1/logs/":             "<dir>",
		"job1/logs/nested/":      "<dir>",
		"job1/logs/run.log":      "log",
		"job1/output/":           "<dir>",
		"job1/output/result.pdb": "ATOM",
	}, got)
	assert.Equal(t, 6, res.Files)

	_, err = os.Stat(filepath.Join(dir, "input.txt"))
	assert.NoError(t, err, "sources are kept by default")
}

func TestArchiveTwiceSkipsOwnBundle(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.txt": "a"})
	a, err := New(Options{}, nil, nil)
	require.NoError(t, err)

	_, err = a.Archive(context.Background(), dir, "job1")
	require.NoError(t, err)
	res, err := a.Archive(context.Background(), dir, "job1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"job1/a.txt": "a"}, readBundle(t, res.Path))
}

func TestArchiveRemoveSourcesAndUpload(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"keep/me.txt": "kept",
		"out/a.txt":   "a",
		"b.txt":       "b",
	})
	up := &memUploader{}
	a, err := New(Options{Exclude: []string{"keep/**"}, RemoveSources: true}, up, nil)
	require.NoError(t, err)

	res, err := a.Archive(context.Background(), dir, "job2")
	require.NoError(t, err)
	assert.Equal(t, "bundles/job2.tar.gz", res.Key)
	assert.Equal(t, "job2.tar.gz", up.name)
	assert.Len(t, up.data, int(res.Bytes))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"job2.tar.gz", "keep"}, names)
	_, err = os.Stat(filepath.Join(dir, "keep", "me.txt"))
	assert.NoError(t, err)
}

func TestArchiveUploadFailureKeepsSources(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.txt": "a"})
	a, err := New(Options{RemoveSources: true}, &memUploader{err: errors.New("boom")}, nil)
	require.NoError(t, err)

	_, err = a.Archive(context.Background(), dir, "job3")
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(dir, "a.txt"))
	assert.NoError(t, err)
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(Options{Exclude: []string{"[unclosed"}}, nil, nil)
	assert.Error(t, err)
}

type mockAPIError struct {
	code string
}

func (e *mockAPIError) Error() string                 { return e.code + ": test" }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return "test" }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

type fakePutter struct {
	in  *s3.PutObjectInput
	err error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	_, _ = io.Copy(io.Discard, in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploaderUpload(t *testing.T) {
	fp := &fakePutter{}
	u := &S3Uploader{client: fp, bucket: "archive", prefix: "/svc/jobs/"}

	key, err := u.Upload(context.Background(), "job1.tar.gz", io.NopCloser(io.LimitReader(zeroReader{}, 10)), 10)
	require.NoError(t, err)
	assert.Equal(t, "svc/jobs/job1.tar.gz", key)
	assert.Equal(t, "archive", *fp.in.Bucket)
	assert.Equal(t, int64(10), *fp.in.ContentLength)

	u.prefix = ""
	assert.Equal(t, "x.tar.gz", u.Key("x.tar.gz"))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestS3UploaderClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no such bucket type", &types.NoSuchBucket{}, ErrBucketNotFound},
		{"access denied", &mockAPIError{code: "AccessDenied"}, ErrAccessDenied},
		{"bad key", &mockAPIError{code: "InvalidAccessKeyId"}, ErrInvalidCredentials},
		{"slow down", &mockAPIError{code: "SlowDown"}, ErrThrottled},
		{"internal", &mockAPIError{code: "InternalError"}, ErrUnavailable},
		{"403 message", errors.New("https response error StatusCode: 403"), ErrAccessDenied},
		{"503 message", errors.New("https response error StatusCode: 503"), ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &S3Uploader{client: &fakePutter{err: tt.err}, bucket: "b"}
			_, err := u.Upload(context.Background(), "k", io.LimitReader(zeroReader{}, 0), 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.True(t, errors.Is(err, tt.err), "sdk error is preserved")

			var ue *UploadError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, "PutObject", ue.Op)
		})
	}

	u := &S3Uploader{client: &fakePutter{err: &mockAPIError{code: "Weird"}}, bucket: "b"}
	_, err := u.Upload(context.Background(), "k", io.LimitReader(zeroReader{}, 0), 0)
	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Nil(t, ue.Kind)
}

func TestS3ConfigValidate(t *testing.T) {
	assert.Error(t, S3Config{}.Validate())
	assert.Error(t, S3Config{Bucket: "b", AccessKeyID: "x"}.Validate())
	assert.NoError(t, S3Config{Bucket: "b"}.Validate())
	assert.NoError(t, S3Config{Bucket: "b", AccessKeyID: "x", SecretAccessKey: "y"}.Validate())
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}
