package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventmail/internal/types"
)

type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	putErr  error
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[aws.ToString(in.Key)] = data
	m.puts = append(m.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestKey(t *testing.T) {
	at := time.Date(2025, 6, 9, 23, 59, 0, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, "sendgrid/2025/06/10/abc.json.zst", Key("sendgrid", at, "abc"))
}

func TestArchive_RoundTrip(t *testing.T) {
	store := &memS3{}
	clock := types.FixedClock{T: time.Date(2025, 6, 9, 9, 5, 0, 0, time.UTC)}
	a, err := NewS3Archiver(store, "webhook-archive", clock, nil)
	require.NoError(t, err)

	payload := []byte(`[{"event":"delivered","email":"a@example.com","sg_message_id":"abc.filter0001"}]`)
	payload = bytes.Repeat(payload, 20)

	key, err := a.Archive(context.Background(), "sendgrid", payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "sendgrid/2025/06/09/"))
	assert.True(t, strings.HasSuffix(key, ".json.zst"))

	require.Len(t, store.puts, 1)
	put := store.puts[0]
	assert.Equal(t, "webhook-archive", aws.ToString(put.Bucket))
	assert.Equal(t, "zstd", aws.ToString(put.ContentEncoding))
	assert.Less(t, len(store.objects[key]), len(payload))

	got, err := a.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestArchive_PutError(t *testing.T) {
	a, err := NewS3Archiver(&memS3{putErr: errors.New("access denied")}, "b", nil, nil)
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), "sendgrid", []byte(`[]`))
	assert.ErrorContains(t, err, "access denied")
}

func TestLoad_CorruptObject(t *testing.T) {
	store := &memS3{objects: map[string][]byte{"k": []byte("not zstd")}}
	a, err := NewS3Archiver(store, "b", nil, nil)
	require.NoError(t, err)
	_, err = a.Load(context.Background(), "k")
	assert.ErrorContains(t, err, "zstd")
}
