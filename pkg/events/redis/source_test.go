/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
	redis.UniversalClient
}

func (m *MockRedisClient) XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd {
	args := m.Called(ctx, stream, start, stop, count)
	cmd := redis.NewXMessageSliceCmd(ctx)
	if v := args.Get(0); v != nil {
		cmd.SetVal(v.([]redis.XMessage))
	}
	cmd.SetErr(args.Error(1))
	return cmd
}

func entry(seq int64, id, corr uuid.UUID, withCorr bool) redis.XMessage {
	values := map[string]interface{}{
		FieldID:         id.String(),
		FieldType:       "order-placed",
		FieldData:       `{"total":3}`,
		FieldRecordedAt: strconv.FormatInt(1636470000000+seq, 10),
	}
	if withCorr {
		values[FieldCorrelationID] = corr.String()
	}
	return redis.XMessage{ID: entryID(seq), Values: values}
}

func TestSource_FetchRange(t *testing.T) {
	ctx := context.Background()
	id1, id2, corr := uuid.New(), uuid.New(), uuid.New()
	client := new(MockRedisClient)
	client.On("XRangeN", ctx, "events", "4-0", "+", int64(2)).
		Return([]redis.XMessage{entry(4, id1, corr, true), entry(6, id2, corr, false)}, nil)

	s := NewSource(client, "events")
	got, err := s.FetchRange(ctx, 4, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int64(4), got[0].SequenceNumber)
	assert.Equal(t, id1, got[0].ID)
	assert.True(t, got[0].CorrelationID.Valid)
	assert.Equal(t, corr, got[0].CorrelationID.UUID)
	assert.Equal(t, "order-placed", got[0].EventType)
	assert.Equal(t, []byte(`{"total":3}`), got[0].Data)
	assert.Equal(t, time.UnixMilli(1636470000004).UTC(), got[0].RecordedAt)

	assert.Equal(t, int64(6), got[1].SequenceNumber)
	assert.False(t, got[1].CorrelationID.Valid)
	client.AssertExpectations(t)
}

func TestSource_FetchRange_Error(t *testing.T) {
	ctx := context.Background()
	client := new(MockRedisClient)
	client.On("XRangeN", ctx, "events", "1-0", "+", int64(10)).Return(nil, errors.New("connection refused"))

	s := NewSource(client, "events")
	_, err := s.FetchRange(ctx, 1, 10)
	assert.ErrorContains(t, err, "connection refused")
}

func TestSource_FetchBySequenceNumbers(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	client := new(MockRedisClient)
	client.On("XRangeN", ctx, "events", "2-0", "2-0", int64(1)).Return([]redis.XMessage{entry(2, id, uuid.Nil, false)}, nil)
	client.On("XRangeN", ctx, "events", "3-0", "3-0", int64(1)).Return([]redis.XMessage{}, nil)

	s := NewSource(client, "events")
	got, err := s.FetchBySequenceNumbers(ctx, []int64{3, 2, 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].SequenceNumber)
	client.AssertNumberOfCalls(t, "XRangeN", 2)
}

func TestProduceEvent_Invalid(t *testing.T) {
	_, err := produceEvent(redis.XMessage{ID: "abc", Values: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = produceEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{FieldID: "not-a-uuid"}})
	assert.Error(t, err)
}
