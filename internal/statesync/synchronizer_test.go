package statesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/banshee-data/posesync/internal/frames"
	"github.com/banshee-data/posesync/internal/metrics"
	"github.com/banshee-data/posesync/internal/subscription"
	"github.com/banshee-data/posesync/internal/timeutil"
	"github.com/banshee-data/posesync/internal/wire"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

var frameComparer = cmp.Comparer(func(a, b frames.ReferenceFrame) bool { return a == b })

type fakeSession struct {
	id      SessionID
	mu      sync.Mutex
	updates []*wire.StateUpdate
	err     error
}

func (f *fakeSession) ID() SessionID { return f.id }

func (f *fakeSession) Push(u *wire.StateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeSession) last() *wire.StateUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return nil
	}
	return f.updates[len(f.updates)-1]
}

func (f *fakeSession) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// fakeUpstream answers registry requests with a fixed state or error. A
// non-nil gate holds every Subscribe until it is closed.
type fakeUpstream struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
	gate   chan struct{}
	state  *wire.EntityState
	err    error
}

func (f *fakeUpstream) Subscribe(ctx context.Context, id string, _ wire.Options) (*wire.EntityState, error) {
	f.mu.Lock()
	f.subs = append(f.subs, id)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.state, f.err
}

func (f *fakeUpstream) Unsubscribe(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, id)
	return nil
}

func (f *fakeUpstream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func mustAdd(t *testing.T, g *frames.Graph, e *frames.Entity) {
	t.Helper()
	if err := g.Add(e); err != nil {
		t.Fatalf("Add(%s) error = %v", e.ID(), err)
	}
}

func fixedPose(x float64) *frames.ConstantPose {
	return frames.NewConstantPose(frames.NewTransform([3]float64{x, 0, 0}, [4]float64{0, 0, 0, 1}))
}

// testGraph: device in FIXED, ball on device, lamp in FIXED with no pose.
func testGraph(t *testing.T) *frames.Graph {
	t.Helper()
	g := frames.NewGraph()
	mustAdd(t, g, frames.NewEntity("device", frames.Fixed(frames.FixedGlobal), fixedPose(10)))
	mustAdd(t, g, frames.NewEntity("ball", frames.EntityFrame("device"),
		frames.PoseFunc(func(t time.Time) (frames.Transform, bool) {
			return frames.NewTransform([3]float64{float64(t.Sub(t0) / time.Second), 0, 1}, [4]float64{0, 0, 0, 1}), true
		})))
	mustAdd(t, g, frames.NewEntity("lamp", frames.Fixed(frames.FixedGlobal), nil))
	return g
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type result struct {
	state *wire.EntityState
	err   error
}

func (s *Synchronizer) queueLen() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// subscribe starts a Subscribe and waits until it is queued.
func subscribe(t *testing.T, s *Synchronizer, sid SessionID, id string, opts wire.Options) <-chan result {
	t.Helper()
	before := s.queueLen()
	ch := make(chan result, 1)
	go func() {
		st, err := s.Subscribe(context.Background(), sid, id, opts)
		ch <- result{st, err}
	}()
	waitFor(t, "subscribe to be queued", func() bool { return s.queueLen() > before })
	return ch
}

func recv(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe result")
		return result{}
	}
}

// settle runs frames at tm until ch yields.
func settle(t *testing.T, s *Synchronizer, ch <-chan result, tm time.Time) result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.Frame(tm)
		select {
		case r := <-ch:
			return r
		case <-time.After(time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for subscribe to settle")
		}
	}
}

func keys(m map[string]*wire.EntityState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestSubscribe_AckAndFramePush(t *testing.T) {
	s := New(testGraph(t), Config{})
	sess := &fakeSession{id: "s1"}
	s.OpenSession(sess)

	ch := subscribe(t, s, "s1", "ball", wire.Options{"use": "render"})
	pushed := s.Frame(t0.Add(2 * time.Second))

	r := recv(t, ch)
	if r.err != nil {
		t.Fatalf("Subscribe() error = %v", r.err)
	}
	if r.state == nil {
		t.Fatal("Subscribe() state = nil, want ball's pose")
	}
	if r.state.Position != [3]float64{2, 0, 1} {
		t.Errorf("ack position = %v, want [2 0 1]", r.state.Position)
	}
	if r.state.ReferenceFrame != frames.EntityFrame("device") {
		t.Errorf("ack frame = %v, want device", r.state.ReferenceFrame)
	}

	if _, ok := pushed["s1"]; !ok {
		t.Fatal("Frame() did not push to s1")
	}
	u := sess.last()
	if got := keys(u.States); !cmp.Equal(got, []string{"ball", "device"}) {
		t.Errorf("pushed entities = %v, want ball plus its ancestor frame", got)
	}
	if got := u.States["device"].Position; got != [3]float64{10, 0, 0} {
		t.Errorf("device position = %v", got)
	}
	if diff := cmp.Diff(wire.Options{"use": "render"}, s.Subscriptions("s1")["ball"]); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
	if got := s.Subscribers("ball"); !cmp.Equal(got, []SessionID{"s1"}) {
		t.Errorf("Subscribers(ball) = %v", got)
	}
}

func TestSubscribe_DeniedLeavesNoState(t *testing.T) {
	deny := AuthorizerFunc(func(_ context.Context, _ SessionID, id string, _ wire.Options) (bool, error) {
		return id != "ball", nil
	})
	m := metrics.NewSync(nil)
	s := New(testGraph(t), Config{Authorizer: deny, Metrics: m})
	s.OpenSession(&fakeSession{id: "s1"})
	s.Frame(t0)

	if _, err := s.Subscribe(context.Background(), "s1", "ball", nil); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Subscribe() error = %v, want ErrPermissionDenied", err)
	}

	s.Frame(t0)
	if got := s.Subscribers("ball"); len(got) != 0 {
		t.Errorf("Subscribers(ball) = %v, want none", got)
	}
	if got := s.Subscriptions("s1"); len(got) != 0 {
		t.Errorf("Subscriptions(s1) = %v, want none", got)
	}
	if got := testutil.ToFloat64(m.SubscribeRequests.WithLabelValues("denied")); got != 1 {
		t.Errorf("denied counter = %v, want 1", got)
	}

	gateErr := errors.New("gate offline")
	s2 := New(testGraph(t), Config{Authorizer: AuthorizerFunc(func(context.Context, SessionID, string, wire.Options) (bool, error) {
		return false, gateErr
	})})
	if _, err := s2.Subscribe(context.Background(), "s1", "ball", nil); !errors.Is(err, gateErr) {
		t.Errorf("Subscribe() error = %v, want %v", err, gateErr)
	}
}

func TestSubscribeFunc_DeniedCallsBackOnCaller(t *testing.T) {
	s := New(testGraph(t), Config{Authorizer: AuthorizerFunc(func(context.Context, SessionID, string, wire.Options) (bool, error) {
		return false, nil
	})})
	var got error
	calls := 0
	s.SubscribeFunc(context.Background(), "s1", "ball", nil, func(_ *wire.EntityState, err error) {
		calls++
		got = err
	})
	if calls != 1 || !errors.Is(got, ErrPermissionDenied) {
		t.Errorf("callback calls = %d, err = %v; want 1, ErrPermissionDenied", calls, got)
	}
	if n := s.queueLen(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestSubscribe_UnknownEntity(t *testing.T) {
	s := New(testGraph(t), Config{})
	s.OpenSession(&fakeSession{id: "s1"})
	ch := subscribe(t, s, "s1", "ghost", nil)
	s.Frame(t0)

	if err := recv(t, ch).err; !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("Subscribe(ghost) error = %v, want ErrUnknownEntity", err)
	}
	if got := s.Subscriptions("s1"); len(got) != 0 {
		t.Errorf("Subscriptions(s1) = %v, want none", got)
	}
}

func TestSubscribe_UndefinedPoseAcksNull(t *testing.T) {
	s := New(testGraph(t), Config{})
	sess := &fakeSession{id: "s1"}
	s.OpenSession(sess)
	ch := subscribe(t, s, "s1", "lamp", nil)
	s.Frame(t0)

	r := recv(t, ch)
	if r.err != nil {
		t.Fatalf("Subscribe(lamp) error = %v", r.err)
	}
	if r.state != nil {
		t.Errorf("ack state = %+v, want nil", r.state)
	}
	st, present := sess.last().States["lamp"]
	if !present || st != nil {
		t.Errorf("pushed lamp = %+v (present %v), want explicit nil", st, present)
	}
}

func TestFill_IncludesAncestorsAndHonoursExclusions(t *testing.T) {
	s := New(testGraph(t), Config{})

	tests := []struct {
		name     string
		included []string
		excluded map[string]struct{}
		want     []string
	}{
		{"ancestor added", []string{"ball"}, nil, []string{"ball", "device"}},
		{"excluded ancestor", []string{"ball"}, map[string]struct{}{"device": {}}, []string{"ball"}},
		{"excluded subscription", []string{"ball", "lamp"}, map[string]struct{}{"ball": {}}, []string{"lamp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := map[string]*wire.EntityState{}
			s.FillEntityStateMap(out, t0, tt.included, tt.excluded)
			if got := keys(out); !cmp.Equal(got, tt.want) {
				t.Errorf("keys = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFill_CycleTerminates(t *testing.T) {
	g := frames.NewGraph()
	mustAdd(t, g, frames.NewEntity("A", frames.EntityFrame("B"), frames.NewConstantPose(frames.Identity())))
	mustAdd(t, g, frames.NewEntity("B", frames.EntityFrame("A"), frames.NewConstantPose(frames.Identity())))
	mustAdd(t, g, frames.NewEntity("C", frames.EntityFrame("A"), frames.NewConstantPose(frames.Identity())))
	s := New(g, Config{})

	out := map[string]*wire.EntityState{}
	s.FillEntityStateMap(out, t0, []string{"A"}, nil)
	if got := keys(out); !cmp.Equal(got, []string{"A", "B"}) {
		t.Fatalf("keys = %v, want [A B]", got)
	}
	for _, id := range []string{"A", "B"} {
		if out[id] != nil {
			t.Errorf("%s = %+v, want nil for a cyclic chain", id, out[id])
		}
	}

	out = map[string]*wire.EntityState{}
	s.FillEntityStateMap(out, t0, []string{"C"}, nil)
	if out["C"] != nil {
		t.Errorf("C framed on a cycle = %+v, want nil", out["C"])
	}
}

// Every entity frame named by a state in a fill must itself be in the fill.
func assertNoDanglingFrames(t *testing.T, out map[string]*wire.EntityState) {
	t.Helper()
	for id, st := range out {
		if st == nil || !st.ReferenceFrame.IsEntity() {
			continue
		}
		if _, ok := out[st.ReferenceFrame.EntityID()]; !ok {
			t.Errorf("%s references %s which is not in the map %v", id, st.ReferenceFrame, keys(out))
		}
	}
}

func TestFill_ReframedEntityAtSameTimeHasNoDanglingFrame(t *testing.T) {
	g := frames.NewGraph()
	mustAdd(t, g, frames.NewEntity("P1", frames.Fixed(frames.FixedGlobal), fixedPose(1)))
	mustAdd(t, g, frames.NewEntity("P2", frames.Fixed(frames.FixedGlobal), fixedPose(2)))
	mustAdd(t, g, frames.NewEntity("A", frames.EntityFrame("P1"), fixedPose(3)))
	s := New(g, Config{})

	first := map[string]*wire.EntityState{}
	s.FillEntityStateMap(first, t0, []string{"A"}, nil)
	assertNoDanglingFrames(t, first)

	a, _ := g.Get("A")
	a.SetReferenceFrame(frames.EntityFrame("P2"))

	second := map[string]*wire.EntityState{}
	s.FillEntityStateMap(second, t0, []string{"A"}, nil)
	assertNoDanglingFrames(t, second)
	if second["A"] != first["A"] {
		t.Error("same-time fill should reuse the cached state")
	}
}

func TestFill_CacheHitAndInvalidation(t *testing.T) {
	s := New(testGraph(t), Config{})

	first := map[string]*wire.EntityState{}
	s.FillEntityStateMap(first, t0.Add(time.Second), []string{"ball", "lamp"}, nil)
	stats := s.CacheStats()
	if stats.Misses != 3 {
		t.Errorf("misses after first fill = %d, want 3", stats.Misses)
	}

	second := map[string]*wire.EntityState{}
	s.FillEntityStateMap(second, t0.Add(time.Second), []string{"ball", "lamp"}, nil)
	if diff := cmp.Diff(first, second, frameComparer); diff != "" {
		t.Errorf("same-time fill differs (-first +second):\n%s", diff)
	}
	if first["ball"] != second["ball"] {
		t.Error("same-time fill returned a different ball state")
	}
	after := s.CacheStats()
	if after.Misses != stats.Misses {
		t.Errorf("misses = %d, want %d (no recomputation)", after.Misses, stats.Misses)
	}
	if after.Hits != stats.Hits+3 {
		t.Errorf("hits = %d, want %d", after.Hits, stats.Hits+3)
	}

	third := map[string]*wire.EntityState{}
	s.FillEntityStateMap(third, t0.Add(5*time.Second), []string{"ball", "lamp"}, nil)
	final := s.CacheStats()
	if !final.Time.Equal(t0.Add(5 * time.Second)) {
		t.Errorf("cache time = %v, want t0+5s", final.Time)
	}
	if final.Entries != 3 || final.Misses != after.Misses+3 {
		t.Errorf("entries = %d, misses = %d; want 3, %d", final.Entries, final.Misses, after.Misses+3)
	}
	if got := third["ball"].Position[0]; got != 5 {
		t.Errorf("ball x at t0+5s = %v, want 5", got)
	}
	if got := first["ball"].Position[0]; got != 1 {
		t.Errorf("cached state mutated: ball x = %v, want 1", got)
	}
}

func TestFrame_FanOutComputesEachEntityOnce(t *testing.T) {
	m := metrics.NewSync(nil)
	s := New(testGraph(t), Config{Metrics: m})
	var sessions []*fakeSession
	for _, id := range []SessionID{"a", "b", "c"} {
		sess := &fakeSession{id: id}
		sessions = append(sessions, sess)
		s.OpenSession(sess)
	}
	s.Frame(t0)
	var chans []<-chan result
	for _, sess := range sessions {
		chans = append(chans, subscribe(t, s, sess.id, "ball", nil))
	}
	s.Frame(t0.Add(time.Second))
	for _, ch := range chans {
		if err := recv(t, ch).err; err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	before := s.CacheStats().Misses
	pushed := s.Frame(t0.Add(2 * time.Second))
	if len(pushed) != 3 {
		t.Errorf("pushed to %d sessions, want 3", len(pushed))
	}
	if got := s.CacheStats().Misses; got != before+2 {
		t.Errorf("misses = %d, want %d (ball and device once each)", got, before+2)
	}
	for _, sess := range sessions {
		if sess.last().States["ball"] != sessions[0].last().States["ball"] {
			t.Errorf("session %s got its own ball state", sess.id)
		}
	}
	if got := testutil.ToFloat64(m.Sessions); got != 3 {
		t.Errorf("sessions gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Subscriptions); got != 3 {
		t.Errorf("subscriptions gauge = %v, want 3", got)
	}
}

func TestFrame_SessionExclusions(t *testing.T) {
	s := New(testGraph(t), Config{})
	sess := &fakeSession{id: "device-app"}
	s.OpenSession(sess, "device")
	ch := subscribe(t, s, "device-app", "ball", nil)
	s.Frame(t0)
	if err := recv(t, ch).err; err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	s.Frame(t0.Add(time.Second))
	if got := keys(sess.last().States); !cmp.Equal(got, []string{"ball"}) {
		t.Errorf("pushed = %v, want [ball]", got)
	}
}

func TestFrame_PushErrorDoesNotStopFanOut(t *testing.T) {
	m := metrics.NewSync(nil)
	s := New(testGraph(t), Config{Metrics: m})
	bad := &fakeSession{id: "bad", err: errors.New("queue full")}
	good := &fakeSession{id: "good"}
	s.OpenSession(bad)
	s.OpenSession(good)
	s.Frame(t0)
	chBad := subscribe(t, s, "bad", "lamp", nil)
	chGood := subscribe(t, s, "good", "lamp", nil)
	s.Frame(t0)
	recv(t, chBad)
	recv(t, chGood)

	pushed := s.Frame(t0.Add(time.Second))
	if _, ok := pushed["bad"]; ok {
		t.Error("failed push reported as pushed")
	}
	if _, ok := pushed["good"]; !ok {
		t.Error("good session was not pushed")
	}
	if got := testutil.ToFloat64(m.PushErrors); got < 1 {
		t.Errorf("push errors = %v, want >= 1", got)
	}
}

func TestFrame_TrimsSampledHistory(t *testing.T) {
	g := frames.NewGraph()
	track := frames.NewSampledPose()
	for i := 0; i <= 10; i++ {
		track.Add(frames.PoseSample{Time: t0.Add(time.Duration(i) * time.Second), Transform: frames.Identity()})
	}
	mustAdd(t, g, frames.NewEntity("track", frames.Fixed(frames.FixedGlobal), track))
	s := New(g, Config{SampleRetention: 2 * time.Second})

	s.Frame(t0.Add(5 * time.Second))
	if got := track.Len(); got != 8 {
		t.Errorf("samples after trim = %d, want 8 (t0+3s onward)", got)
	}

	keep := New(g, Config{})
	keep.Frame(t0.Add(10 * time.Second))
	if got := track.Len(); got != 8 {
		t.Errorf("zero retention trimmed samples: %d left", got)
	}
}

func TestUpstreamDemandFollowsFirstAndLastSubscriber(t *testing.T) {
	g := testGraph(t)
	reg := subscription.NewRegistry(g, subscription.Config{})
	s := New(g, Config{Registry: reg})

	var subscribed, unsubscribed []string
	s.SessionSubscribedEvent.AddListener(func(e SubscriptionEvent) { subscribed = append(subscribed, e.EntityID) })
	s.SessionUnsubscribedEvent.AddListener(func(e SubscriptionEvent) { unsubscribed = append(unsubscribed, e.EntityID) })

	s.OpenSession(&fakeSession{id: "a"})
	s.OpenSession(&fakeSession{id: "b"})
	s.Frame(t0)
	chA := subscribe(t, s, "a", "ball", nil)
	chB := subscribe(t, s, "b", "ball", nil)
	s.Frame(t0)
	for _, ch := range []<-chan result{chA, chB} {
		if err := recv(t, ch).err; err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	if !cmp.Equal(subscribed, []string{"ball"}) {
		t.Errorf("subscribed events = %v, want [ball]", subscribed)
	}
	if got := reg.Interest("ball"); got != 1 {
		t.Errorf("registry interest = %d, want 1", got)
	}
	if !reg.IsSubscribed("ball") {
		t.Error("registry should hold ball")
	}

	s.Unsubscribe("a", "ball")
	s.Frame(t0)
	if len(unsubscribed) != 0 {
		t.Errorf("unsubscribed events = %v, want none while b remains", unsubscribed)
	}
	if got := s.Subscribers("ball"); !cmp.Equal(got, []SessionID{"b"}) {
		t.Errorf("Subscribers(ball) = %v, want [b]", got)
	}

	s.Unsubscribe("b", "ball")
	s.Frame(t0)
	if !cmp.Equal(unsubscribed, []string{"ball"}) {
		t.Errorf("unsubscribed events = %v, want [ball]", unsubscribed)
	}
	if got := reg.Interest("ball"); got != 0 {
		t.Errorf("registry interest = %d, want 0", got)
	}
	if got := s.Subscribers("ball"); len(got) != 0 {
		t.Errorf("Subscribers(ball) = %v, want none", got)
	}
}

func TestSubscribe_UpstreamRejectionLeavesNoState(t *testing.T) {
	up := &fakeUpstream{err: fmt.Errorf("parent: %w", frames.ErrUnknownEntity)}
	g := testGraph(t)
	reg := subscription.NewRegistry(g, subscription.Config{Upstream: up})
	m := metrics.NewSync(nil)
	s := New(g, Config{Registry: reg, Metrics: m})
	sess := &fakeSession{id: "s1"}
	s.OpenSession(sess)

	r := settle(t, s, subscribe(t, s, "s1", "ghost", nil), t0)
	if !errors.Is(r.err, ErrUnknownEntity) {
		t.Fatalf("Subscribe(ghost) error = %v, want ErrUnknownEntity", r.err)
	}
	if got := s.Subscribers("ghost"); len(got) != 0 {
		t.Errorf("Subscribers(ghost) = %v, want none", got)
	}
	if got := s.Subscriptions("s1"); len(got) != 0 {
		t.Errorf("Subscriptions(s1) = %v, want none", got)
	}
	s.Frame(t0.Add(time.Second))
	if n := sess.count(); n != 0 {
		t.Errorf("session received %d updates, want none", n)
	}
	if got := testutil.ToFloat64(m.SubscribeRequests.WithLabelValues("upstream")); got != 1 {
		t.Errorf("upstream rejections = %v, want 1", got)
	}

	settle(t, s, subscribe(t, s, "s1", "ghost", nil), t0)
	if n := up.calls(); n != 2 {
		t.Errorf("upstream requests = %d, want a fresh request per attempt", n)
	}
}

func TestSubscribe_AwaitsUpstreamAndHoldsOneInterest(t *testing.T) {
	up := &fakeUpstream{
		gate:  make(chan struct{}),
		state: &wire.EntityState{ID: "remote", Position: [3]float64{7, 0, 0}, Orientation: [4]float64{0, 0, 0, 1}, ReferenceFrame: frames.Fixed(frames.FixedGlobal)},
	}
	g := frames.NewGraph()
	reg := subscription.NewRegistry(g, subscription.Config{Upstream: up, DeferUpdates: true})
	s := New(g, Config{Registry: reg})
	s.OpenSession(&fakeSession{id: "a"})
	s.OpenSession(&fakeSession{id: "b"})
	s.Frame(t0)

	chA := subscribe(t, s, "a", "remote", nil)
	chB := subscribe(t, s, "b", "remote", nil)
	s.Frame(t0)
	select {
	case r := <-chA:
		t.Fatalf("acked before the parent answered: %+v", r)
	default:
	}
	if got := s.Subscribers("remote"); len(got) != 0 {
		t.Errorf("Subscribers(remote) = %v before the parent answered", got)
	}

	close(up.gate)
	ra := settle(t, s, chA, t0.Add(time.Second))
	rb := settle(t, s, chB, t0.Add(time.Second))
	for _, r := range []result{ra, rb} {
		if r.err != nil {
			t.Fatalf("Subscribe(remote) error = %v", r.err)
		}
		if r.state == nil || r.state.Position[0] != 7 {
			t.Errorf("ack state = %+v, want the parent's pose", r.state)
		}
	}
	if got := s.Subscribers("remote"); !cmp.Equal(got, []SessionID{"a", "b"}) {
		t.Errorf("Subscribers(remote) = %v, want [a b]", got)
	}
	if n := up.calls(); n != 1 {
		t.Errorf("upstream requests = %d, want 1", n)
	}
	if got := reg.Interest("remote"); got != 1 {
		t.Errorf("registry interest = %d, want 1", got)
	}
}

func TestFrame_AppliesRegistryUpdatesBeforeFill(t *testing.T) {
	up := &fakeUpstream{state: &wire.EntityState{ID: "remote", Position: [3]float64{1, 0, 0}, Orientation: [4]float64{0, 0, 0, 1}, ReferenceFrame: frames.Fixed(frames.FixedGlobal)}}
	g := frames.NewGraph()
	reg := subscription.NewRegistry(g, subscription.Config{Upstream: up, DeferUpdates: true})
	s := New(g, Config{Registry: reg})
	sess := &fakeSession{id: "a"}
	s.OpenSession(sess)
	if r := settle(t, s, subscribe(t, s, "a", "remote", nil), t0); r.err != nil {
		t.Fatalf("Subscribe(remote) error = %v", r.err)
	}
	s.Frame(t0)
	if got := sess.last().States["remote"].Position[0]; got != 1 {
		t.Fatalf("remote x = %v, want 1", got)
	}

	reg.ApplyStateUpdate(&wire.StateUpdate{Time: t0, States: map[string]*wire.EntityState{
		"remote": {ID: "remote", Position: [3]float64{2, 0, 0}, Orientation: [4]float64{0, 0, 0, 1}, ReferenceFrame: frames.Fixed(frames.FixedGlobal)},
	}})
	p, err := g.Resolve("remote", frames.Fixed(frames.FixedGlobal), t0)
	if err != nil || p.Position.X != 1 {
		t.Errorf("graph changed outside the frame: x = %v, err = %v", p.Position.X, err)
	}

	s.Frame(t0)
	if got := sess.last().States["remote"].Position[0]; got != 2 {
		t.Errorf("remote x after frame at the same time = %v, want 2", got)
	}
}

func TestCloseSession_RemovesSubscriptionsAndRejectsPending(t *testing.T) {
	s := New(testGraph(t), Config{})
	s.OpenSession(&fakeSession{id: "a"})
	s.OpenSession(&fakeSession{id: "b"})
	s.Frame(t0)
	chA := subscribe(t, s, "a", "ball", nil)
	s.Frame(t0)
	if err := recv(t, chA).err; err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var unsubscribed []SubscriptionEvent
	s.SessionUnsubscribedEvent.AddListener(func(e SubscriptionEvent) { unsubscribed = append(unsubscribed, e) })

	pending := subscribe(t, s, "a", "lamp", nil)
	s.CloseSession("a")
	if err := recv(t, pending).err; !errors.Is(err, ErrSessionClosed) {
		t.Errorf("pending subscribe error = %v, want ErrSessionClosed", err)
	}
	if _, err := s.Subscribe(context.Background(), "a", "device", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("subscribe on closing session error = %v, want ErrSessionClosed", err)
	}

	s.Frame(t0)
	if got := s.Subscriptions("a"); len(got) != 0 {
		t.Errorf("Subscriptions(a) = %v, want none", got)
	}
	if got := s.Subscribers("ball"); len(got) != 0 {
		t.Errorf("Subscribers(ball) = %v, want none", got)
	}
	if got := s.Subscribers("lamp"); len(got) != 0 {
		t.Errorf("Subscribers(lamp) = %v, want none", got)
	}
	if got := s.Sessions(); !cmp.Equal(got, []SessionID{"b"}) {
		t.Errorf("Sessions() = %v, want [b]", got)
	}
	if len(unsubscribed) != 1 || unsubscribed[0].EntityID != "ball" {
		t.Errorf("unsubscribed events = %+v, want one for ball", unsubscribed)
	}
}

func TestSubscribe_NoSessionIsRejected(t *testing.T) {
	s := New(testGraph(t), Config{})
	ch := subscribe(t, s, "nobody", "ball", nil)
	s.Frame(t0)
	if err := recv(t, ch).err; !errors.Is(err, ErrSessionClosed) {
		t.Errorf("error = %v, want ErrSessionClosed", err)
	}
}

func TestSubscribe_ContextCancelledBeforeFrame(t *testing.T) {
	s := New(testGraph(t), Config{})
	s.OpenSession(&fakeSession{id: "a"})
	s.Frame(t0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Subscribe(ctx, "a", "ball", nil)
		done <- err
	}()
	waitFor(t, "subscribe to be queued", func() bool { return s.queueLen() == 1 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}

	s.Frame(t0)
	if got := s.Subscriptions("a"); len(got) != 0 {
		t.Errorf("Subscriptions(a) = %v, want none", got)
	}
}

func TestRun_PushesUntilCancelled(t *testing.T) {
	s := New(testGraph(t), Config{StatsInterval: time.Millisecond})
	sess := &fakeSession{id: "a"}
	s.OpenSession(sess)
	clock := timeutil.NewManualClock(t0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, time.Second, clock) }()
	waitFor(t, "frame ticker", func() bool { return clock.Tickers() == 1 })

	ch := subscribe(t, s, "a", "ball", nil)
	clock.Step(time.Second)
	if err := recv(t, ch).err; err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	waitFor(t, "first push", func() bool { return sess.count() > 0 })
	if u := sess.last(); !u.Time.Equal(t0.Add(time.Second)) || u.States["ball"].Position[0] != 1 {
		t.Errorf("first push at %v with ball x = %v, want t0+1s and 1", u.Time, u.States["ball"].Position[0])
	}

	clock.Step(time.Second)
	waitFor(t, "second push", func() bool { return sess.count() > 1 })
	if got := sess.last().States["ball"].Position[0]; got != 2 {
		t.Errorf("ball x = %v, want 2", got)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}
