package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/openpcb/sender/coord"
	"github.com/openpcb/sender/coordinator"
	"github.com/openpcb/sender/device"
	"github.com/openpcb/sender/gcode"
	"github.com/openpcb/sender/heightmap"
	"github.com/openpcb/sender/job"
	"github.com/openpcb/sender/level"
	"github.com/openpcb/sender/probe"
)

const heightmapID = "grid"

type api struct {
	http.Handler
	co       *coordinator.Coordinator
	profiles map[string]device.Profile
	store    *heightmap.Store
	sse      *sse.Server
}

func newAPI(co *coordinator.Coordinator, cfg *Config) *api {
	a := &api{
		co:       co,
		profiles: make(map[string]device.Profile, len(cfg.Profiles)),
		store:    heightmap.NewStore(filePersistence{dir: cfg.DataDir}),
		sse:      sse.NewServer(nil),
	}
	for _, p := range cfg.Profiles {
		a.profiles[p.ID] = p
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/sessions", a.listSessions).Methods("GET")
	r.HandleFunc("/api/sessions", a.attach).Methods("POST")
	r.HandleFunc("/api/sessions/{id}", a.detach).Methods("DELETE")
	r.HandleFunc("/api/sessions/{id}/job", a.submit).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/hold", a.intent(co.Hold)).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/resume", a.intent(co.Resume)).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/reset", a.intent(co.Reset)).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/jog", a.jog).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/probe", a.probe).Methods("POST")
	r.HandleFunc("/api/heightmap", a.getHeightmap).Methods("GET")
	r.PathPrefix("/events/").Handler(a.sse)
	a.Handler = r

	go a.pump()
	return a
}

// pump forwards coordinator events onto the SSE stream.
func (a *api) pump() {
	for e := range a.co.Subscribe() {
		data, err := json.Marshal(map[string]interface{}{
			"session":  e.Session,
			"device":   e.Device,
			"kind":     e.Kind.String(),
			"time":     e.Time,
			"state":    e.State.String(),
			"position": e.Position,
			"code":     e.Code,
			"message":  e.Message,
			"probe":    e.Probe,
			"job_id":   e.JobID,
			"queued":   e.Queued,
			"sent":     e.Sent,
			"acked":    e.Acked,
		})
		if err != nil {
			logrus.WithError(err).Error("marshal event")
			continue
		}
		a.sse.SendMessage("/events/machine", sse.SimpleMessage(string(data)))
	}
}

func httpError(w http.ResponseWriter, err error, code int) {
	logrus.WithError(err).Warn("request failed")
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("encode response")
	}
}

type sessionInfo struct {
	ID      string      `json:"id"`
	Device  string      `json:"device"`
	State   string      `json:"state"`
	MPos    coord.Point `json:"mpos"`
	Dialect string      `json:"dialect"`
}

func (a *api) listSessions(w http.ResponseWriter, req *http.Request) {
	var out []sessionInfo
	for _, id := range a.co.Sessions() {
		s, err := a.co.Session(id)
		if err != nil {
			continue
		}
		prof := s.Profile()
		out = append(out, sessionInfo{
			ID:      id,
			Device:  prof.ID,
			State:   s.State().String(),
			MPos:    s.Position(),
			Dialect: string(prof.Dialect),
		})
	}
	writeJSON(w, out)
}

func (a *api) attach(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httpError(w, err, http.StatusBadRequest)
		return
	}
	prof, ok := a.profiles[body.Profile]
	if !ok {
		httpError(w, fmt.Errorf("unknown profile %q", body.Profile), http.StatusNotFound)
		return
	}

	id, err := a.co.Attach(prof)
	if err != nil {
		httpError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"session": id})
}

func (a *api) detach(w http.ResponseWriter, req *http.Request) {
	if err := a.co.Detach(mux.Vars(req)["id"]); err != nil {
		httpError(w, err, http.StatusNotFound)
	}
}

// intent adapts a per-session coordinator call to a handler.
func (a *api) intent(fn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := fn(mux.Vars(req)["id"]); err != nil {
			httpError(w, err, http.StatusBadRequest)
		}
	}
}

// submit compiles the posted G-code and queues it. warp=1 applies
// the active height map offline first.
func (a *api) submit(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	blocks, err := gcode.Compile(req.Body)
	if err != nil {
		httpError(w, err, http.StatusBadRequest)
		return
	}
	j := job.Job{
		ID:     fmt.Sprintf("job-%d", time.Now().UnixNano()),
		Device: id,
		Blocks: blocks,
	}

	if req.FormValue("warp") == "1" {
		cfg, err := a.levelConfig(req)
		if err != nil {
			httpError(w, err, http.StatusBadRequest)
			return
		}
		err = a.co.SubmitWarped(id, j, cfg)
		if err != nil {
			httpError(w, err, http.StatusBadRequest)
			return
		}
	} else if err = a.co.Submit(id, j); err != nil {
		httpError(w, err, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]string{"job": j.ID})
}

func (a *api) levelConfig(req *http.Request) (level.Config, error) {
	m := a.store.Current()
	if m == nil {
		if _, err := a.store.Load(heightmapID); err != nil {
			return level.Config{}, fmt.Errorf("no height map available: %w", err)
		}
		m = a.store.Current()
	}

	method := heightmap.Method(req.FormValue("method"))
	if method == "" {
		method = heightmap.Bilinear
	}
	in, err := m.Interpolator(method, heightmap.Options{})
	if err != nil {
		return level.Config{}, err
	}

	var err2 error
	parse := func(param string, def float64) float64 {
		if err2 != nil {
			return 0
		}
		v := req.FormValue(param)
		if v == "" {
			return def
		}
		var f float64
		if _, err2 = fmt.Sscanf(v, "%g", &f); err2 != nil {
			return 0
		}
		return f
	}
	cfg := level.Config{
		Interp: in,
		DZMax:  parse("dzMax", 1),
		LMax:   parse("lMax", 5),
	}
	return cfg, err2
}

func (a *api) jog(w http.ResponseWriter, req *http.Request) {
	var body struct {
		X, Y, Z float64
		Feed    float64
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httpError(w, err, http.StatusBadRequest)
		return
	}
	id := mux.Vars(req)["id"]
	err := a.co.Jog(id, coord.Point{X: body.X, Y: body.Y, Z: body.Z}, body.Feed)
	if err != nil {
		httpError(w, err, http.StatusBadRequest)
	}
}

// probe runs the two-phase grid sequence, publishes the resulting
// map, and persists it.
func (a *api) probe(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	s, err := a.co.Session(id)
	if err != nil {
		httpError(w, err, http.StatusNotFound)
		return
	}
	prof := s.Profile()

	var body struct {
		X, Y        float64
		Granularity float64
	}
	if err = json.NewDecoder(req.Body).Decode(&body); err != nil {
		httpError(w, err, http.StatusBadRequest)
		return
	}

	planner, err := probe.NewPlanner(probe.GridOptions{
		Origin:      s.Position(),
		DistanceX:   body.X,
		DistanceY:   body.Y,
		Granularity: body.Granularity,
		FeedFast:    prof.Probe.FeedFast,
		FeedFine:    prof.Probe.FeedFine,
		Retract:     prof.Probe.Retract,
		MaxTravel:   prof.Probe.MaxTravel,
	})
	if err != nil {
		httpError(w, err, http.StatusBadRequest)
		return
	}

	m, err := a.runProbeSequence(id, planner)
	if err != nil {
		httpError(w, err, http.StatusInternalServerError)
		return
	}

	a.store.Publish(m)
	if err = a.store.Save(heightmapID); err != nil {
		logrus.WithError(err).Error("persist height map")
	}
	data, err := heightmap.Encode(m)
	if err != nil {
		httpError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (a *api) runProbeSequence(id string, planner *probe.Planner) (*heightmap.Map, error) {
	events := a.co.Subscribe()
	defer a.co.Unsubscribe(events)

	var col probe.Collector

	runJob := func(j job.Job) error {
		if err := a.co.Submit(id, j); err != nil {
			return err
		}
		for e := range events {
			if e.Session != id {
				continue
			}
			switch e.Kind {
			case device.EventProbe:
				if e.Probe != nil {
					col.Add(*e.Probe)
				}
			case device.EventJobDone:
				return nil
			case device.EventError, device.EventAlarm:
				return fmt.Errorf("probe sequence failed: %s", e.Message)
			}
		}
		return fmt.Errorf("event stream closed during probe")
	}

	if err := runJob(planner.QuickJob(heightmapID)); err != nil {
		return nil, err
	}
	safeZ, err := planner.SafeHeight(col.Points())
	if err != nil {
		return nil, err
	}

	col.Reset()
	if err = runJob(planner.GridJob(heightmapID, safeZ)); err != nil {
		return nil, err
	}
	return col.Map("probe:" + id)
}

func (a *api) getHeightmap(w http.ResponseWriter, req *http.Request) {
	m := a.store.Current()
	if m == nil {
		var err error
		if m, err = a.store.Load(heightmapID); err != nil {
			httpError(w, fmt.Errorf("no height map: %w", err), http.StatusNotFound)
			return
		}
	}
	data, err := heightmap.Encode(m)
	if err != nil {
		httpError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
