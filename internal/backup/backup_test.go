package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ledgerd/ledgerd/internal/config"
	"github.com/ledgerd/ledgerd/internal/engine"
	"github.com/ledgerd/ledgerd/internal/ledger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T, name string) *ledger.Table {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	table, err := ledger.Open(engine.NewMemory(), name, logger)
	require.NoError(t, err)
	return table
}

func fill(t *testing.T, table *ledger.Table, kv map[string][]byte) {
	t.Helper()
	_, err := table.Update(context.Background(), func(tx *ledger.Txn) error {
		for k, v := range kv {
			if err := tx.Set(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func contents(t *testing.T, table *ledger.Table) map[string][]byte {
	t.Helper()
	c, err := table.Cursor(context.Background())
	require.NoError(t, err)
	out := map[string][]byte{}
	for e, ok := c.Next(); ok; e, ok = c.Next() {
		out[e.Key] = e.Value
	}
	require.NoError(t, c.Err())
	return out
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTable(t, "src")
	data := map[string][]byte{
		"alice":   []byte("hello"),
		"score:a": []byte(`{"name":"A","score":10}`),
		"bin":     {0xff, 0x00, 0xfe},
	}
	fill(t, src, data)

	var buf bytes.Buffer
	n, err := Export(context.Background(), src, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `{"key":"alice","value":"aGVsbG8="}`, lines[0])

	dst := newTable(t, "dst")
	n, err = Import(context.Background(), dst, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, data, contents(t, dst))
}

func TestExportEmpty(t *testing.T) {
	var buf bytes.Buffer
	n, err := Export(context.Background(), newTable(t, "empty"), &buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, buf.String())
}

func TestImportIsAllOrNothing(t *testing.T) {
	table := newTable(t, "dst")
	fill(t, table, map[string][]byte{"keep": []byte("me")})

	input := strings.Join([]string{
		`{"key":"a","value":"MQ=="}`,
		``,
		`{"key":"b","value":"not base64!"}`,
	}, "\n")

	n, err := Import(context.Background(), table, strings.NewReader(input))
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.ErrorContains(t, err, "line 3")
	assert.Zero(t, n)
	assert.Equal(t, map[string][]byte{"keep": []byte("me")}, contents(t, table))
}

func TestImportRejects(t *testing.T) {
	for name, line := range map[string]string{
		"NotJSON":    `nope`,
		"MissingKey": `{"value":"MQ=="}`,
		"BadBase64":  `{"key":"k","value":"%%%"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Import(context.Background(), newTable(t, "x"), strings.NewReader(line))
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestImportWriterBusy(t *testing.T) {
	table := newTable(t, "busy")
	_, err := table.Update(context.Background(), func(*ledger.Txn) error {
		_, err := Import(context.Background(), table, strings.NewReader(`{"key":"a","value":"MQ=="}`))
		assert.ErrorIs(t, err, ledger.ErrWriterBusy)
		return nil
	})
	require.NoError(t, err)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "backup.jsonl")
	sink := &FileSink{Path: path}

	loc, err := sink.Put(context.Background(), "my_table", []byte("first\n"))
	require.NoError(t, err)
	assert.Equal(t, path, loc)

	_, err = sink.Put(context.Background(), "my_table", []byte("second\n"))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	putter := &fakePutter{}
	sink := newS3Sink(putter, "backups", "ledgerd/", logger)
	sink.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	loc, err := sink.Put(context.Background(), "my_table", []byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3://backups/ledgerd/my_table-20260304T050607Z.jsonl", loc)

	require.NotNil(t, putter.input)
	assert.Equal(t, "backups", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "ledgerd/my_table-20260304T050607Z.jsonl", aws.ToString(putter.input.Key))
	assert.Equal(t, int64(5), aws.ToInt64(putter.input.ContentLength))
	assert.Equal(t, "my_table", putter.input.Metadata["ledgerd-table"])
	assert.Equal(t, "line\n", string(putter.body))

	putter.err = errors.New("access denied")
	_, err = sink.Put(context.Background(), "my_table", nil)
	assert.ErrorContains(t, err, "access denied")
}

func TestNewS3Sink(t *testing.T) {
	_, err := NewS3Sink(config.S3Config{}, nil)
	assert.ErrorContains(t, err, "bucket is required")

	sink, err := NewS3Sink(config.S3Config{
		Endpoint:  "http://127.0.0.1:9000",
		Region:    "us-east-1",
		Bucket:    "backups",
		AccessKey: "key",
		SecretKey: "secret",
		PathStyle: true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "backups", sink.bucket)
}
