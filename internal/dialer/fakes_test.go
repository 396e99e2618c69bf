package dialer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"telecrm/internal/ami"
	"telecrm/internal/config"
	"telecrm/internal/database"
)

// fakeRepo es un Repository en memoria. El orden de leadOrder simula el
// ORDER BY de la consulta real.
type fakeRepo struct {
	mu          sync.Mutex
	campaigns   map[int]*database.Campaign
	assignments map[int][]int
	leads       map[int64]*database.Lead
	calls       map[int64]*database.Call
	events      []database.CallEvent
	leadOrder   []int64
	nextCallID  int64
}

var _ Repository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		campaigns:   make(map[int]*database.Campaign),
		assignments: make(map[int][]int),
		leads:       make(map[int64]*database.Lead),
		calls:       make(map[int64]*database.Call),
	}
}

func (f *fakeRepo) CampaignByID(id int) (*database.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRepo) AssignmentsOf(campaignID int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.assignments[campaignID]...), nil
}

func (f *fakeRepo) LeadByID(id int64) (*database.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

// selectable asume el lock tomado
func (f *fakeRepo) selectable(campaignID int, statuses []string) []int64 {
	var ids []int64
	for _, id := range f.leadOrder {
		l := f.leads[id]
		if l == nil || l.CampaignID != campaignID || l.PhoneNumber == "" {
			continue
		}
		for _, s := range statuses {
			if l.Status == s {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

func (f *fakeRepo) LeadsForSelection(campaignID int, statuses []string, limit int) ([]database.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []database.Lead
	for _, id := range f.selectable(campaignID, statuses) {
		out = append(out, *f.leads[id])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) CountDialableLeads(campaignID int, statuses []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.selectable(campaignID, statuses)), nil
}

func (f *fakeRepo) CallByID(id int64) (*database.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRepo) CallCount(leadID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.LeadID == leadID {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) LatestCall(leadID int64) (*database.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest *database.Call
	for _, c := range f.calls {
		if c.LeadID != leadID {
			continue
		}
		if latest == nil || c.StartedAt.After(latest.StartedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRepo) RecentCalls(campaignID int, since time.Time, limit int) ([]database.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []database.Call
	for _, c := range f.calls {
		if c.CampaignID == campaignID && !c.StartedAt.Before(since) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) InsertCall(c *database.Call) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextCallID++
	c.ID = f.nextCallID
	cp := *c
	f.calls[c.ID] = &cp
	return c.ID, nil
}

func (f *fakeRepo) UpdateCall(c *database.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.calls[c.ID]; !ok {
		return fmt.Errorf("llamada %d no existe", c.ID)
	}
	cp := *c
	f.calls[c.ID] = &cp
	return nil
}

func (f *fakeRepo) InsertCallEvent(e *database.CallEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeRepo) UpdateLeadContacted(leadID int64, when time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.leads[leadID]
	if !ok {
		return fmt.Errorf("lead %d no existe", leadID)
	}
	t := when
	l.LastContacted = &t
	return nil
}

// eventTypes devuelve los tipos de evento registrados para una llamada
func (f *fakeRepo) eventTypes(callID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, e := range f.events {
		if e.CallID == callID {
			out = append(out, e.EventType)
		}
	}
	return out
}

func (f *fakeRepo) mustCall(id int64) database.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.calls[id]
}

func (f *fakeRepo) mustLead(id int64) database.Lead {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.leads[id]
}

// fakeSession implementa Session sin socket. emit entrega los eventos en la
// misma goroutine, igual que la goroutine lectora del cliente real.
type fakeSession struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	originateErr error
	hangupErr    error
	response     map[string]string
	originates   []ami.OriginateParams
	hangups      [][2]string // canal, causa
	subs         []fakeSub
	onOriginate  func(p ami.OriginateParams)
}

type fakeSub struct {
	event   string
	handler ami.EventHandler
}

var _ Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{connected: true}
}

func (s *fakeSession) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Send(a *ami.Action) (*ami.Response, error) {
	return &ami.Response{Fields: map[string]string{"Response": "Success"}}, nil
}

func (s *fakeSession) Originate(p ami.OriginateParams) (*ami.Response, error) {
	s.mu.Lock()
	s.originates = append(s.originates, p)
	hook := s.onOriginate
	err := s.originateErr
	fields := s.response
	s.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]string{"Response": "Success"}
	}
	return &ami.Response{Fields: fields}, nil
}

func (s *fakeSession) Hangup(channel, cause string) (*ami.Response, error) {
	s.mu.Lock()
	s.hangups = append(s.hangups, [2]string{channel, cause})
	err := s.hangupErr
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &ami.Response{Fields: map[string]string{"Response": "Success"}}, nil
}

func (s *fakeSession) Subscribe(event string, h ami.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fakeSub{event: event, handler: h})
}

func (s *fakeSession) SubscribeAll(h ami.EventHandler) {
	s.Subscribe("*", h)
}

func (s *fakeSession) emit(name string, fields map[string]string) {
	s.mu.Lock()
	subs := append([]fakeSub(nil), s.subs...)
	s.mu.Unlock()

	ev := ami.Event{Name: name, Fields: fields}
	for _, sub := range subs {
		if sub.event == name || sub.event == "*" {
			sub.handler(ev)
		}
	}
}

func (s *fakeSession) originateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.originates)
}

func (s *fakeSession) lastOriginate() ami.OriginateParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.originates[len(s.originates)-1]
}

func (s *fakeSession) lastHangup() [2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangups[len(s.hangups)-1]
}

// recordingHub acumula las señales difundidas
type recordingHub struct {
	mu      sync.Mutex
	signals []broadcastRecord
}

type broadcastRecord struct {
	event string
	data  any
}

var _ Broadcaster = (*recordingHub)(nil)

func (h *recordingHub) Broadcast(event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, broadcastRecord{event: event, data: data})
}

func (h *recordingHub) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.signals {
		if s.event == event {
			n++
		}
	}
	return n
}

// testConfig deja el cron diario apagado para que los tests no dependan del reloj
func testEngineConfig() *config.Config {
	return &config.Config{
		AMI: config.AMIConfig{
			Host:              "127.0.0.1",
			Port:              5038,
			Username:          "admin",
			PeerUsername:      "trunk",
			Context:           "default",
			ReconnectInterval: 0,
			MaxReconnectFails: 2,
			ActionTimeout:     15,
			OriginateTimeout:  30,
		},
		Engine: config.EngineConfig{
			ShutdownTimeout:    1,
			OrphanSweepEvery:   60,
			OrphanMaxAge:       600,
			MaxConcurrentCalls: 25,
		},
	}
}

func newTestEngine() (*Engine, *fakeRepo, *fakeSession, *recordingHub) {
	repo := newFakeRepo()
	sess := newFakeSession()
	hub := &recordingHub{}
	e := NewEngine(testEngineConfig(), repo, sess, hub)
	return e, repo, sess, hub
}

func seedCampaign(repo *fakeRepo, id int, mode string) *database.Campaign {
	c := &database.Campaign{
		ID:                id,
		Name:              fmt.Sprintf("Campaña %d", id),
		Mode:              mode,
		Status:            database.CampaignActive,
		MaxAttempts:       3,
		RetryDelayMinutes: 60,
		PredictiveRatio:   1.2,
		TurboDelaySeconds: 5,
		Timezone:          "UTC",
	}
	repo.mu.Lock()
	repo.campaigns[id] = c
	repo.mu.Unlock()
	return c
}

func seedLead(repo *fakeRepo, id int64, campaignID int, phone string) *database.Lead {
	l := &database.Lead{
		ID:          id,
		CampaignID:  campaignID,
		PhoneNumber: phone,
		Status:      database.LeadNew,
		Priority:    1,
	}
	repo.mu.Lock()
	repo.leads[id] = l
	repo.leadOrder = append(repo.leadOrder, id)
	repo.mu.Unlock()
	return l
}

func assignAgents(repo *fakeRepo, campaignID int, agents ...int) {
	repo.mu.Lock()
	repo.assignments[campaignID] = agents
	repo.mu.Unlock()
}

func seedCall(repo *fakeRepo, campaignID int, leadID int64, agentID int, status string, startedAt time.Time, duration int) *database.Call {
	c := &database.Call{
		CampaignID: campaignID,
		LeadID:     leadID,
		AgentID:    agentID,
		Status:     status,
		StartedAt:  startedAt,
	}
	if duration > 0 {
		c.Duration = &duration
	}
	repo.InsertCall(c)
	return c
}
