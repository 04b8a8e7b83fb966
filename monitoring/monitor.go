// Package monitoring serves the translation state over HTTP, so that a
// debugger can inspect it and place watches while the guest runs.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sarchlab/ppcmmu/mem/vm"
	"github.com/sarchlab/ppcmmu/mem/vm/fastmem"
	"github.com/sarchlab/ppcmmu/mem/vm/mmu"
	"github.com/sarchlab/ppcmmu/mem/vm/watch"
	"github.com/sarchlab/ppcmmu/monitoring/web"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// A Guard serialises the monitor with the thread that runs the guest. Pause
// returns once the guest is stopped at an instruction boundary; the returned
// function lets it run again.
type Guard interface {
	Pause() (release func())
}

type noGuard struct{}

func (noGuard) Pause() func() { return func() {} }

// Monitor turns the translation machinery into a server that allows external
// inspection and control.
type Monitor struct {
	mmu        *mmu.Comp
	manager    *fastmem.Manager
	watches    *watch.List
	guard      Guard
	portNumber int
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{guard: noGuard{}}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithGuard sets the guard taken around every access to the MMU.
func (m *Monitor) WithGuard(g Guard) *Monitor {
	m.guard = g
	return m
}

// RegisterMMU sets the MMU to inspect.
func (m *Monitor) RegisterMMU(c *mmu.Comp) {
	m.mmu = c
}

// RegisterHostMapper sets the fastmem manager whose mappings are listed.
func (m *Monitor) RegisterHostMapper(manager *fastmem.Manager) {
	m.manager = manager
}

// RegisterWatches sets the watch list controlled through the monitor.
func (m *Monitor) RegisterWatches(l *watch.List) {
	m.watches = l
}

// Router returns the HTTP routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/registers", m.listRegisters).Methods(http.MethodGet)
	r.HandleFunc("/api/translate/{addr}", m.translate).Methods(http.MethodGet)
	r.HandleFunc("/api/bats/{side}", m.listBATs).Methods(http.MethodGet)
	r.HandleFunc("/api/mappings", m.listMappings).Methods(http.MethodGet)
	r.HandleFunc("/api/watch", m.listWatches).Methods(http.MethodGet)
	r.HandleFunc("/api/watch/{start}/{end}", m.addWatch).
		Methods(http.MethodPost)
	r.HandleFunc("/api/watch/{start}/{end}", m.removeWatch).
		Methods(http.MethodDelete)
	r.HandleFunc("/api/state", m.serializeState).Methods(http.MethodGet)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(web.Handler())

	return r
}

// Listen opens the socket of the monitor.
func (m *Monitor) Listen() (net.Listener, error) {
	addr := ":" + strconv.Itoa(m.portNumber)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}

	return listener, nil
}

// URL returns the address a browser can reach the monitor at.
func URL(l net.Listener) string {
	return fmt.Sprintf("http://localhost:%d", l.Addr().(*net.TCPAddr).Port)
}

// Serve serves requests on l until ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// StartServer starts the monitor in the background and returns its URL.
func (m *Monitor) StartServer() string {
	listener, err := m.Listen()
	dieOnErr(err)

	url := URL(listener)
	fmt.Fprintf(os.Stderr, "Monitoring translation with %s\n", url)

	go func() {
		dieOnErr(m.Serve(context.Background(), listener))
	}()

	return url
}

func (m *Monitor) requireMMU(w http.ResponseWriter) bool {
	if m.mmu == nil {
		http.Error(w, "no MMU registered", http.StatusServiceUnavailable)
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad address %q", s)
	}

	return uint32(v), nil
}

func (m *Monitor) listRegisters(w http.ResponseWriter, _ *http.Request) {
	if !m.requireMMU(w) {
		return
	}

	defer m.guard.Pause()()

	writeJSON(w, m.mmu.State())
}

type translationRsp struct {
	EA         uint32 `json:"ea"`
	Kind       string `json:"kind"`
	PAddr      uint32 `json:"paddr"`
	Source     string `json:"source,omitempty"`
	WIMG       uint8  `json:"wimg"`
	Writable   bool   `json:"writable"`
	Referenced bool   `json:"referenced"`
	Changed    bool   `json:"changed"`
	Direct     bool   `json:"direct"`
	Error      string `json:"error,omitempty"`
}

var accessKinds = []vm.AccessKind{
	vm.AccessRead,
	vm.AccessWrite,
	vm.AccessExecute,
	vm.AccessProbe,
	vm.AccessProbeExecute,
}

func parseKind(s string) (vm.AccessKind, bool) {
	if s == "" {
		return vm.AccessProbe, true
	}

	for _, k := range accessKinds {
		if k.String() == s {
			return k, true
		}
	}

	return 0, false
}

func (m *Monitor) translate(w http.ResponseWriter, r *http.Request) {
	if !m.requireMMU(w) {
		return
	}

	ea, err := parseAddr(mux.Vars(r)["addr"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind, ok := parseKind(r.URL.Query().Get("kind"))
	if !ok {
		http.Error(w, "unknown access kind", http.StatusBadRequest)
		return
	}

	defer m.guard.Pause()()

	rsp := translationRsp{EA: ea, Kind: kind.String()}

	res, err := m.mmu.Translate(ea, kind)
	if err != nil {
		rsp.Error = err.Error()
	} else {
		rsp.PAddr = res.PAddr
		rsp.Source = res.Source.String()
		rsp.WIMG = res.WIMG
		rsp.Writable = res.Writable
		rsp.Referenced = res.Referenced
		rsp.Changed = res.Changed
		rsp.Direct = res.Direct
	}

	writeJSON(w, rsp)
}

type batRsp struct {
	Index int    `json:"index"`
	Upper uint32 `json:"upper"`
	Lower uint32 `json:"lower"`
	EA    uint32 `json:"ea"`
	PA    uint32 `json:"pa"`
	Size  uint32 `json:"size"`
	WIMG  uint8  `json:"wimg"`
	PP    uint8  `json:"pp"`
	Vs    bool   `json:"vs"`
	Vp    bool   `json:"vp"`
}

func (m *Monitor) listBATs(w http.ResponseWriter, r *http.Request) {
	if !m.requireMMU(w) {
		return
	}

	var pair func(int) vm.BATPair

	switch mux.Vars(r)["side"] {
	case "i", "instruction":
		pair = m.mmu.IBAT
	case "d", "data":
		pair = m.mmu.DBAT
	default:
		http.Error(w, "side must be i or d", http.StatusBadRequest)
		return
	}

	defer m.guard.Pause()()

	rsp := make([]batRsp, 0, m.mmu.NumBATs())
	for i := 0; i < m.mmu.NumBATs(); i++ {
		p := pair(i)
		rsp = append(rsp, batRsp{
			Index: i,
			Upper: uint32(p.Upper),
			Lower: uint32(p.Lower),
			EA:    p.Upper.BEPI() << 17,
			PA:    p.Lower.BRPN() << 17,
			Size:  (p.Upper.BL() + 1) << 17,
			WIMG:  p.Lower.WIMG(),
			PP:    p.Lower.PP(),
			Vs:    p.Upper.Vs(),
			Vp:    p.Upper.Vp(),
		})
	}

	writeJSON(w, rsp)
}

type mappingsRsp struct {
	Stats    fastmem.Stats     `json:"stats"`
	Mappings []fastmem.Mapping `json:"mappings"`
}

func (m *Monitor) listMappings(w http.ResponseWriter, _ *http.Request) {
	if m.manager == nil {
		writeJSON(w, mappingsRsp{Mappings: []fastmem.Mapping{}})
		return
	}

	defer m.guard.Pause()()

	writeJSON(w, mappingsRsp{
		Stats:    m.manager.Stats(),
		Mappings: m.manager.Mappings(),
	})
}

func (m *Monitor) watchRange(
	w http.ResponseWriter,
	r *http.Request,
) (watch.Range, bool) {
	if m.watches == nil {
		http.Error(w, "no watch list registered", http.StatusServiceUnavailable)
		return watch.Range{}, false
	}

	vars := mux.Vars(r)

	start, err := parseAddr(vars["start"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return watch.Range{}, false
	}

	end, err := parseAddr(vars["end"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return watch.Range{}, false
	}

	return watch.Range{Start: start, End: end}, true
}

func (m *Monitor) listWatches(w http.ResponseWriter, _ *http.Request) {
	if m.watches == nil {
		writeJSON(w, []watch.Range{})
		return
	}

	writeJSON(w, m.watches.Ranges())
}

func (m *Monitor) addWatch(w http.ResponseWriter, r *http.Request) {
	rng, ok := m.watchRange(w, r)
	if !ok {
		return
	}

	defer m.guard.Pause()()

	if err := m.watches.Add(rng); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (m *Monitor) removeWatch(w http.ResponseWriter, r *http.Request) {
	rng, ok := m.watchRange(w, r)
	if !ok {
		return
	}

	defer m.guard.Pause()()

	if !m.watches.Remove(rng) {
		http.Error(w, "range not watched", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// stateView is the tree served by /api/state.
type stateView struct {
	Registers mmu.State
	PageTable vm.PageTable
	Mappings  []fastmem.Mapping
	Watches   []watch.Range
}

func (m *Monitor) serializeState(w http.ResponseWriter, r *http.Request) {
	if !m.requireMMU(w) {
		return
	}

	release := m.guard.Pause()

	view := stateView{
		Registers: m.mmu.State(),
		PageTable: m.mmu.PageTable(),
	}

	if m.manager != nil {
		view.Mappings = m.manager.Mappings()
	}

	if m.watches != nil {
		view.Watches = m.watches.Ranges()
	}

	release()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(view)
	serializer.SetMaxDepth(3)

	if field := r.URL.Query().Get("field"); field != "" {
		if err := serializer.SetEntryPoint(strings.Split(field, ".")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	dieOnErr(serializer.Serialize(w))
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
