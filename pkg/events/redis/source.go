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

// Package redis reads the event log from a Redis stream. Each stream entry ID is
// "<sequenceNumber>-0" and carries the event fields as entry values.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/numaproj/numaflow-projections/pkg/events"
	"github.com/numaproj/numaflow-projections/pkg/shared/logging"
)

// Entry value keys.
const (
	FieldID            = "id"
	FieldCorrelationID = "correlation_id"
	FieldType          = "type"
	FieldData          = "data"
	FieldRecordedAt    = "recorded_at"
)

// Source implements events.Source on top of a Redis stream.
type Source struct {
	client redis.UniversalClient
	stream string
	log    *zap.SugaredLogger
}

var _ events.Source = (*Source)(nil)

type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Source) {
		s.log = l
	}
}

// NewSource returns a Source reading the given stream.
func NewSource(client redis.UniversalClient, stream string, opts ...Option) *Source {
	s := &Source{
		client: client,
		stream: stream,
		log:    logging.NewLogger().Named("redis-event-source"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewClient creates a universal client from a comma separated address list.
func NewClient(addrs string) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        strings.Split(addrs, ","),
		MaxRedirects: 3,
	})
}

func (s *Source) FetchRange(ctx context.Context, start int64, maxRows int) ([]events.Event, error) {
	if maxRows <= 0 {
		return nil, nil
	}
	if start < 0 {
		start = 0
	}
	msgs, err := s.client.XRangeN(ctx, s.stream, entryID(start), "+", int64(maxRows)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read range from stream %s, %w", s.stream, err)
	}
	return s.toEvents(msgs)
}

func (s *Source) FetchBySequenceNumbers(ctx context.Context, seqs []int64) ([]events.Event, error) {
	sorted := make([]int64, len(seqs))
	copy(sorted, seqs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []events.Event
	for i, seq := range sorted {
		if i > 0 && sorted[i-1] == seq {
			continue
		}
		id := entryID(seq)
		msgs, err := s.client.XRangeN(ctx, s.stream, id, id, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s from stream %s, %w", id, s.stream, err)
		}
		evts, err := s.toEvents(msgs)
		if err != nil {
			return nil, err
		}
		out = append(out, evts...)
	}
	return out, nil
}

func (s *Source) toEvents(msgs []redis.XMessage) ([]events.Event, error) {
	out := make([]events.Event, 0, len(msgs))
	for _, m := range msgs {
		evt, err := produceEvent(m)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func entryID(seq int64) string {
	return strconv.FormatInt(seq, 10) + "-0"
}

// produceEvent converts a stream entry into an Event.
func produceEvent(m redis.XMessage) (events.Event, error) {
	seqStr, _, ok := strings.Cut(m.ID, "-")
	if !ok {
		return events.Event{}, fmt.Errorf("unexpected entry ID value for Redis Streams: %s", m.ID)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return events.Event{}, fmt.Errorf("unexpected entry ID value for Redis Streams: %s, %w", m.ID, err)
	}
	evt := events.Event{SequenceNumber: seq}

	if evt.ID, err = uuid.Parse(stringValue(m.Values, FieldID)); err != nil {
		return events.Event{}, fmt.Errorf("entry %s has an invalid %s, %w", m.ID, FieldID, err)
	}
	if corr := stringValue(m.Values, FieldCorrelationID); corr != "" {
		id, err := uuid.Parse(corr)
		if err != nil {
			return events.Event{}, fmt.Errorf("entry %s has an invalid %s, %w", m.ID, FieldCorrelationID, err)
		}
		evt.CorrelationID = uuid.NullUUID{UUID: id, Valid: true}
	}
	evt.EventType = stringValue(m.Values, FieldType)
	if data := stringValue(m.Values, FieldData); data != "" {
		evt.Data = []byte(data)
	}
	if recorded := stringValue(m.Values, FieldRecordedAt); recorded != "" {
		ms, err := strconv.ParseInt(recorded, 10, 64)
		if err != nil {
			return events.Event{}, fmt.Errorf("entry %s has an invalid %s, %w", m.ID, FieldRecordedAt, err)
		}
		evt.RecordedAt = time.UnixMilli(ms).UTC()
	}
	return evt, nil
}

func stringValue(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
