package xcookie

import (
	"context"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-xcookie/pkg/store"
)

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) glog.Logger {
	merged := cloneFieldMap(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) glog.Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFieldMap(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFieldMap(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := *l.records
	out := make([]capturedLog, len(items))
	copy(out, items)
	return out
}

func (l *captureLogger) has(level, msg string) bool {
	for _, record := range l.snapshot() {
		if record.level == level && record.msg == msg {
			return true
		}
	}
	return false
}

func cloneFieldMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

type stubLoggerProvider struct {
	logger glog.Logger
}

func (s stubLoggerProvider) GetLogger(string) glog.Logger {
	return s.logger
}

type fakeSet struct {
	name    string
	value   string
	expires time.Time
}

// fakeSession stands in for the frame session.
type fakeSession struct {
	mu       sync.Mutex
	awaitErr error
	getErr   error
	setErr   error
	values   map[string]string
	awaits   int
	gets     int
	sets     []fakeSet
}

func newFakeSession() *fakeSession {
	return &fakeSession{values: map[string]string{}}
}

func (s *fakeSession) Await(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaits++
	return s.awaitErr
}

func (s *fakeSession) Get(_ context.Context, name string) (store.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return store.Absent(), s.getErr
	}
	if value, ok := s.values[name]; ok {
		return store.Some(value), nil
	}
	return store.Absent(), nil
}

func (s *fakeSession) Set(_ context.Context, name, value string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, fakeSet{name: name, value: value, expires: expires})
	if s.setErr != nil {
		return s.setErr
	}
	s.values[name] = value
	return nil
}

func (s *fakeSession) shared(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[name]
	return value, ok
}

func (s *fakeSession) calls() (awaits, gets, sets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaits, s.gets, len(s.sets)
}

// failingStore is a jar that is always unavailable.
type failingStore struct{}

func (failingStore) Load(context.Context, store.Key) (store.Record, bool, error) {
	return store.Record{}, false, store.ErrUnavailable
}

func (failingStore) Save(context.Context, store.Record) error {
	return store.ErrUnavailable
}

func localValue(t interface{ Fatalf(string, ...any) }, s store.Store, name, domain string) store.Value {
	record, ok, err := s.Load(context.Background(), store.Key{Name: name, Domain: domain})
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	if !ok {
		return store.Absent()
	}
	return store.Some(record.Value)
}
