package datalake_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ehr/notify/internal/domain/subscription"
	"github.com/ehr/notify/internal/platform/blobstore"
	"github.com/ehr/notify/internal/platform/notify"
	"github.com/ehr/notify/internal/platform/notify/datalake"
)

// MockObjectStore is a mock implementation of blobstore.ObjectStore
type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) PutObject(ctx context.Context, bucket, key string, data []byte, opts blobstore.PutOptions) error {
	args := m.Called(ctx, bucket, key, data, opts)
	return args.Error(0)
}

func (m *MockObjectStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	args := m.Called(ctx, bucket, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

var txTime = time.Date(2024, 3, 1, 23, 30, 0, 0, time.FixedZone("UTC+2", 2*3600))

func resource(resourceType, id string) subscription.Resource {
	return subscription.Resource{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    "1",
		Body:         json.RawMessage(fmt.Sprintf("{\n  \"resourceType\": %q,\n  \"id\": %q\n}", resourceType, id)),
	}
}

func eventNotification(endpoint string, resources ...subscription.Resource) *notify.Notification {
	return &notify.Notification{
		Tenant:          "acme",
		SubscriptionID:  "sub-1",
		Channel:         subscription.ChannelInfo{Type: subscription.ChannelDataLake, Endpoint: endpoint},
		Type:            subscription.NotificationEventNotification,
		Resources:       resources,
		TransactionTime: txTime,
	}
}

func lines(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "line %q", sc.Text())
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func newChannel(t *testing.T, objects blobstore.ObjectStore) notify.Channel {
	t.Helper()
	ch, err := datalake.New(notify.Dependencies{Objects: objects})
	require.NoError(t, err)
	return ch
}

func TestPartitionKey(t *testing.T) {
	t.Parallel()
	c := blobstore.Container{Bucket: "lake", Prefix: "raw"}
	assert.Equal(t, "raw/Observation/2024/03/01/Observation_20240301.ndjson", datalake.PartitionKey(c, "Observation", txTime))
}

func TestNew_RequiresObjectStore(t *testing.T) {
	t.Parallel()
	_, err := datalake.New(notify.Dependencies{})
	assert.ErrorIs(t, err, datalake.ErrNoObjectStore)
}

func TestChannel_GroupsByTypeAndDate(t *testing.T) {
	t.Parallel()
	objects := blobstore.NewInMemoryObjectStore()
	ch := newChannel(t, objects)

	err := ch.Deliver(context.Background(), eventNotification("s3://lake/raw",
		resource("Observation", "o1"), resource("Patient", "p1"), resource("Observation", "o2")))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"raw/Observation/2024/03/01/Observation_20240301.ndjson",
		"raw/Patient/2024/03/01/Patient_20240301.ndjson",
	}, objects.Keys("lake"))

	data, err := objects.GetObject(context.Background(), "lake", "raw/Observation/2024/03/01/Observation_20240301.ndjson")
	require.NoError(t, err)
	got := lines(t, data)
	require.Len(t, got, 2)
	assert.Equal(t, "o1", got[0]["id"])
	assert.Equal(t, "o2", got[1]["id"])

	info, ok := objects.Stat("lake", "raw/Patient/2024/03/01/Patient_20240301.ndjson")
	require.True(t, ok)
	assert.Equal(t, datalake.ContentType, info.ContentType)
}

func TestChannel_AppendsToExistingPartition(t *testing.T) {
	t.Parallel()
	objects := blobstore.NewInMemoryObjectStore()
	ch := newChannel(t, objects)
	ctx := context.Background()

	require.NoError(t, ch.Deliver(ctx, eventNotification("lake", resource("Observation", "o1"))))
	require.NoError(t, ch.Deliver(ctx, eventNotification("lake", resource("Observation", "o2"))))

	data, err := objects.GetObject(ctx, "lake", "Observation/2024/03/01/Observation_20240301.ndjson")
	require.NoError(t, err)
	assert.Len(t, lines(t, data), 2)
}

func TestChannel_ConcurrentAppendsKeepEveryLine(t *testing.T) {
	t.Parallel()
	objects := blobstore.NewInMemoryObjectStore()
	ch := newChannel(t, objects)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, ch.Deliver(context.Background(), eventNotification("lake", resource("Observation", fmt.Sprintf("o%d", i)))))
		}(i)
	}
	wg.Wait()

	data, err := objects.GetObject(context.Background(), "lake", "Observation/2024/03/01/Observation_20240301.ndjson")
	require.NoError(t, err)
	assert.Len(t, lines(t, data), 20)
}

func TestChannel_ReadFailure(t *testing.T) {
	t.Parallel()
	objects := new(MockObjectStore)
	objects.On("GetObject", mock.Anything, "lake", mock.Anything).Return(nil, blobstore.ErrAccessDenied)

	err := newChannel(t, objects).Deliver(context.Background(), eventNotification("lake", resource("Observation", "o1")))

	var de *notify.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, blobstore.ErrAccessDenied)
	objects.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestChannel_HeartbeatWritesNothing(t *testing.T) {
	t.Parallel()
	objects := new(MockObjectStore)
	n := eventNotification("s3://lake/raw")
	n.Type = subscription.NotificationHeartbeat

	require.NoError(t, newChannel(t, objects).Deliver(context.Background(), n))
	objects.AssertExpectations(t)
}
