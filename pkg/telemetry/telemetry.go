// Package telemetry builds the heartbeat/status:report snapshot a node
// daemon sends the gateway: process, machine, and viber-fabric resource
// snapshots, sampled with github.com/shirou/gopsutil/v3 rather than
// hand-rolled /proc parsing.
package telemetry

import (
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProcessSnapshot is this daemon process's own resource usage.
type ProcessSnapshot struct {
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	RSSBytes        uint64  `json:"rssBytes"`
	HeapBytes       uint64  `json:"heapBytes"`
	ExternalBytes   uint64  `json:"externalBytes"`
	RunningTasks    int     `json:"runningTasks"`
}

// CPUCore is one core's usage percentage in a MachineSnapshot.
type CPUCore struct {
	Index   int     `json:"index"`
	UsagePct float64 `json:"usagePct"`
}

// DiskSnapshot is one mounted filesystem's space usage.
type DiskSnapshot struct {
	Mountpoint string  `json:"mountpoint"`
	FSType     string  `json:"fsType"`
	TotalBytes uint64  `json:"totalBytes"`
	UsedBytes  uint64  `json:"usedBytes"`
	FreeBytes  uint64  `json:"freeBytes"`
	UsedPct    float64 `json:"usedPct"`
}

// NetInterfaceSnapshot is one active non-loopback network interface.
type NetInterfaceSnapshot struct {
	Name string   `json:"name"`
	MAC  string   `json:"mac"`
	IPv4 []string `json:"ipv4,omitempty"`
	IPv6 []string `json:"ipv6,omitempty"`
}

// MachineSnapshot is the full host resource picture.
type MachineSnapshot struct {
	Hostname       string                 `json:"hostname"`
	Platform       string                 `json:"platform"`
	Arch           string                 `json:"arch"`
	UptimeSeconds  uint64                 `json:"uptimeSeconds"`
	CPUModel       string                 `json:"cpuModel"`
	CPUCores       []CPUCore              `json:"cpuCores"`
	CPUAveragePct  float64                `json:"cpuAveragePct"`
	MemTotalBytes  uint64                 `json:"memTotalBytes"`
	MemUsedBytes   uint64                 `json:"memUsedBytes"`
	MemFreeBytes   uint64                 `json:"memFreeBytes"`
	MemUsedPct     float64                `json:"memUsedPct"`
	Disks          []DiskSnapshot         `json:"disks"`
	LoadAverage1   float64                `json:"loadAverage1"`
	LoadAverage5   float64                `json:"loadAverage5"`
	LoadAverage15  float64                `json:"loadAverage15"`
	NetInterfaces  []NetInterfaceSnapshot `json:"netInterfaces"`
}

// TaskDescriptor is one running task's summary in a ViberSnapshot.
type TaskDescriptor struct {
	TaskID       string `json:"taskId"`
	Goal         string `json:"goal"`
	Model        string `json:"model,omitempty"`
	IsRunning    bool   `json:"isRunning"`
	MessageCount int    `json:"messageCount"`
}

// SkillHealth is one skill's availability probe result.
type SkillHealth struct {
	SkillID string `json:"skillId"`
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// ViberSnapshot is the daemon-identity and task-fabric summary reported
// in each heartbeat.
type ViberSnapshot struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Version           string           `json:"version"`
	Connected         bool             `json:"connected"`
	UptimeSeconds     float64          `json:"uptimeSeconds"`
	ProcessMemBytes   uint64           `json:"processMemBytes"`
	RunningTasks      []TaskDescriptor `json:"runningTasks"`
	SkillIDs          []string         `json:"skillIds"`
	CapabilityIDs     []string         `json:"capabilityIds"`
	SkillHealth       []SkillHealth    `json:"skillHealth,omitempty"`
	TotalTasksExecuted int             `json:"totalTasksExecuted"`
	LastHeartbeatAt   string           `json:"lastHeartbeatAt"`
}

// Sampler implements daemon.StatusProvider by sampling process and
// machine resource usage on each call and combining it with the
// caller-supplied identity/skill/config facts that don't come from the
// OS into a periodically rebuilt status struct.
type Sampler struct {
	NodeID   string
	Name     string
	Version  string
	Platform string

	SkillIDs      []string
	CapabilityIDs []string

	startedAt time.Time
	pid       int32

	mu               sync.Mutex
	totalExecuted    int
	lastConfigState  []byte
	cpuPrevTotal     []cpu.TimesStat
	cpuPrevSampledAt time.Time
}

// NewSampler constructs a Sampler whose uptime clock starts now.
func NewSampler(nodeID, name, version, platform string, skillIDs, capabilityIDs []string) *Sampler {
	return &Sampler{
		NodeID: nodeID, Name: name, Version: version, Platform: platform,
		SkillIDs: skillIDs, CapabilityIDs: capabilityIDs,
		startedAt: time.Now(),
		pid:       int32(os.Getpid()),
	}
}

// RecordTaskCompleted increments the lifetime executed-task counter,
// reported in the viber snapshot.
func (s *Sampler) RecordTaskCompleted() {
	s.mu.Lock()
	s.totalExecuted++
	s.mu.Unlock()
}

// RecordConfigState stashes the last config:ack payload so it rides
// along in the next heartbeat's configState field.
func (s *Sampler) RecordConfigState(ack *wire.ConfigAck) {
	b, err := json.Marshal(ack)
	if err != nil {
		slog.Error("telemetry: marshal config state failed", "error", err)
		return
	}
	s.mu.Lock()
	s.lastConfigState = b
	s.mu.Unlock()
}

// Snapshot builds the full heartbeat body. runningTasks is the count the
// daemon's own task table reports; the viber snapshot's per-task
// descriptor list is always empty, since Sampler has no visibility into
// per-task goal text.
func (s *Sampler) Snapshot(runningTasks int) wire.HeartbeatBody {
	proc := s.processSnapshot(runningTasks)
	procJSON, _ := json.Marshal(proc)

	machine := s.machineSnapshot()
	machineJSON, _ := json.Marshal(machine)

	viber := s.viberSnapshot(runningTasks)
	viberJSON, _ := json.Marshal(viber)

	skillsJSON, _ := json.Marshal(s.SkillIDs)

	s.mu.Lock()
	configState := s.lastConfigState
	s.mu.Unlock()

	return wire.HeartbeatBody{
		Platform:     s.Platform,
		Uptime:       time.Since(s.startedAt).Seconds(),
		Memory:       procJSON,
		RunningTasks: runningTasks,
		Machine:      machineJSON,
		ViberStatus:  viberJSON,
		Skills:       skillsJSON,
		ConfigState:  configState,
	}
}

func (s *Sampler) processSnapshot(runningTasks int) ProcessSnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var rss uint64
	if p, err := process.NewProcess(s.pid); err == nil {
		if info, err := p.MemoryInfo(); err == nil {
			rss = info.RSS
		}
	}

	return ProcessSnapshot{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		RSSBytes:      rss,
		HeapBytes:     m.HeapAlloc,
		ExternalBytes: m.Sys - m.HeapSys,
		RunningTasks:  runningTasks,
	}
}

func (s *Sampler) machineSnapshot() MachineSnapshot {
	snap := MachineSnapshot{Arch: runtime.GOARCH}

	if info, err := host.Info(); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.UptimeSeconds = info.Uptime
	}

	if cpuInfos, err := cpu.Info(); err == nil && len(cpuInfos) > 0 {
		snap.CPUModel = cpuInfos[0].ModelName
	}
	snap.CPUCores = s.cpuCoreUsage()
	if len(snap.CPUCores) > 0 {
		var sum float64
		for _, c := range snap.CPUCores {
			sum += c.UsagePct
		}
		snap.CPUAveragePct = sum / float64(len(snap.CPUCores))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemTotalBytes = vm.Total
		snap.MemUsedBytes = vm.Used
		snap.MemFreeBytes = vm.Free
		snap.MemUsedPct = vm.UsedPercent
	}

	snap.Disks = s.diskSnapshots()

	if avg, err := load.Avg(); err == nil {
		snap.LoadAverage1 = avg.Load1
		snap.LoadAverage5 = avg.Load5
		snap.LoadAverage15 = avg.Load15
	}

	snap.NetInterfaces = s.netInterfaceSnapshots()

	return snap
}

// cpuCoreUsage reports each logical core's usage percentage, computed by
// differencing two cumulative cpu.Times() samples a short interval
// apart — cpu.Percent(0, true) does this internally, but we keep our own
// previous sample so a Snapshot call never blocks for the library's
// default 0-duration "instant" measurement quirk on some platforms.
func (s *Sampler) cpuCoreUsage() []CPUCore {
	times, err := cpu.Times(true)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	prev := s.cpuPrevTotal
	prevAt := s.cpuPrevSampledAt
	s.cpuPrevTotal = times
	s.cpuPrevSampledAt = time.Now()
	s.mu.Unlock()

	if prev == nil || len(prev) != len(times) || time.Since(prevAt) <= 0 {
		cores := make([]CPUCore, len(times))
		for i := range times {
			cores[i] = CPUCore{Index: i}
		}
		return cores
	}

	cores := make([]CPUCore, len(times))
	for i := range times {
		cores[i] = CPUCore{Index: i, UsagePct: cpuPercentDelta(prev[i], times[i])}
	}
	return cores
}

func cpuPercentDelta(prev, cur cpu.TimesStat) float64 {
	prevTotal := cpuTotal(prev)
	curTotal := cpuTotal(cur)
	totalDelta := curTotal - prevTotal
	if totalDelta <= 0 {
		return 0
	}
	idleDelta := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	busy := totalDelta - idleDelta
	if busy < 0 {
		busy = 0
	}
	return (busy / totalDelta) * 100
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

// diskSnapshots reports every mounted partition's space usage, applying
// APFS dedup rule: when /System/Volumes/Data is present,
// "/" (the read-only system volume) is omitted since it reports the same
// physical disk twice.
func (s *Sampler) diskSnapshots() []DiskSnapshot {
	parts, err := disk.Partitions(false)
	if err != nil {
		return nil
	}

	hasDataVolume := false
	for _, p := range parts {
		if p.Mountpoint == "/System/Volumes/Data" {
			hasDataVolume = true
			break
		}
	}

	var out []DiskSnapshot
	for _, p := range parts {
		if hasDataVolume && p.Mountpoint == "/" {
			continue
		}
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil {
			continue
		}
		out = append(out, DiskSnapshot{
			Mountpoint: p.Mountpoint,
			FSType:     p.Fstype,
			TotalBytes: usage.Total,
			UsedBytes:  usage.Used,
			FreeBytes:  usage.Free,
			UsedPct:    usage.UsedPercent,
		})
	}
	return out
}

func (s *Sampler) netInterfaceSnapshots() []NetInterfaceSnapshot {
	ifaces, err := gnet.Interfaces()
	if err != nil {
		return nil
	}

	var out []NetInterfaceSnapshot
	for _, iface := range ifaces {
		if isLoopback(iface.Flags) || len(iface.Addrs) == 0 {
			continue
		}
		snap := NetInterfaceSnapshot{Name: iface.Name, MAC: iface.HardwareAddr}
		for _, addr := range iface.Addrs {
			ip := strings.SplitN(addr.Addr, "/", 2)[0]
			if strings.Contains(ip, ":") {
				snap.IPv6 = append(snap.IPv6, ip)
			} else {
				snap.IPv4 = append(snap.IPv4, ip)
			}
		}
		out = append(out, snap)
	}
	return out
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

func (s *Sampler) viberSnapshot(runningTasks int) ViberSnapshot {
	var rss uint64
	if p, err := process.NewProcess(s.pid); err == nil {
		if info, err := p.MemoryInfo(); err == nil {
			rss = info.RSS
		}
	}

	s.mu.Lock()
	total := s.totalExecuted
	s.mu.Unlock()

	return ViberSnapshot{
		ID:                 s.NodeID,
		Name:               s.Name,
		Version:            s.Version,
		Connected:          true,
		UptimeSeconds:      time.Since(s.startedAt).Seconds(),
		ProcessMemBytes:    rss,
		RunningTasks:       []TaskDescriptor{}, // always empty: Sampler has no per-task detail
		SkillIDs:           s.SkillIDs,
		CapabilityIDs:      s.CapabilityIDs,
		TotalTasksExecuted: total,
		LastHeartbeatAt:    time.Now().UTC().Format(time.RFC3339),
	}
}
