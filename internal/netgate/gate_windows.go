//go:build windows

package netgate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/veilware/veil-agent/internal/svcquery"
	"github.com/veilware/veil-agent/internal/workerpool"
)

// New creates a gate over the machine's physical network adapters.
// An empty allowlist means every connected physical adapter is in scope.
func New(allowlist []string) Gate {
	allowed := make(map[string]bool, len(allowlist))
	for _, name := range allowlist {
		allowed[strings.ToLower(name)] = true
	}
	return &windowsGate{
		allowed: allowed,
		batch:   workerpool.NewBatch(4),
	}
}

type windowsGate struct {
	allowed map[string]bool
	batch   *workerpool.Batch

	mu       sync.Mutex
	disabled []string // adapters the last Disable touched
}

func (g *windowsGate) Disable(ctx context.Context) error {
	adapters, err := g.listAdapters(true)
	if err != nil {
		return fmt.Errorf("enumerate adapters: %w", err)
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no connected adapters to disable")
	}

	errs := g.toggle(ctx, adapters, false)
	if len(errs) == len(adapters) {
		return fmt.Errorf("all %d adapters failed to disable: %s", len(adapters), strings.Join(errs, "; "))
	}

	g.mu.Lock()
	g.disabled = adapters
	g.mu.Unlock()

	if len(errs) > 0 {
		log.Warn("network disable partially failed", "failed", len(errs), "total", len(adapters))
	}
	log.Info("network disabled", "adapters", len(adapters)-len(errs))
	return nil
}

func (g *windowsGate) Enable(ctx context.Context) error {
	adapters, err := g.listAdapters(false)
	if err != nil {
		return fmt.Errorf("enumerate adapters: %w", err)
	}

	errs := g.toggle(ctx, adapters, true)
	if len(errs) > 0 {
		return fmt.Errorf("enable failed for %d of %d adapters: %s", len(errs), len(adapters), strings.Join(errs, "; "))
	}

	log.Info("network enabled", "adapters", len(adapters))
	return nil
}

// Restore re-enables only the adapters the last Disable touched.
func (g *windowsGate) Restore(ctx context.Context) error {
	g.mu.Lock()
	adapters := append([]string(nil), g.disabled...)
	g.mu.Unlock()

	if len(adapters) == 0 {
		log.Info("nothing to restore, no adapters were disabled by this process")
		return nil
	}

	errs := g.toggle(ctx, adapters, true)
	if len(errs) > 0 {
		return fmt.Errorf("restore failed for %d of %d adapters: %s", len(errs), len(adapters), strings.Join(errs, "; "))
	}

	g.mu.Lock()
	g.disabled = nil
	g.mu.Unlock()

	log.Info("network restored", "adapters", len(adapters))
	return nil
}

// EmergencyRestore re-enables every known adapter, ignoring remembered
// state. Used when the remembered set was lost.
func (g *windowsGate) EmergencyRestore(ctx context.Context) error {
	err := g.Enable(ctx)

	g.mu.Lock()
	g.disabled = nil
	g.mu.Unlock()

	return err
}

func (g *windowsGate) State(ctx context.Context) (Status, error) {
	status := Status{
		FirewallActive:    firewallActive(ctx),
		DNSServiceRunning: dnsServiceRunning(),
	}

	ifaces, err := gopsnet.Interfaces()
	if err != nil {
		return status, fmt.Errorf("interface stat: %w", err)
	}

	for _, iface := range ifaces {
		if isLoopback(iface) || !isUp(iface) {
			continue
		}
		for _, addr := range iface.Addrs {
			ip := strings.Split(addr.Addr, "/")[0]
			if ip == "" || strings.HasPrefix(ip, "169.254.") {
				continue
			}
			status.Enabled = true
			if status.CurrentIP == "" && strings.Contains(ip, ".") {
				status.CurrentIP = ip
			}
		}
	}

	return status, nil
}

// toggle flips adapters in parallel and returns one error string per
// failed adapter.
func (g *windowsGate) toggle(ctx context.Context, adapters []string, enable bool) []string {
	admin := "disabled"
	if enable {
		admin = "enabled"
	}

	tasks := make([]workerpool.Task, 0, len(adapters))
	for _, name := range adapters {
		tasks = append(tasks, workerpool.Task{
			Name: name,
			Fn: func(ctx context.Context) error {
				cmd := exec.CommandContext(ctx, "netsh", "interface", "set", "interface",
					fmt.Sprintf("name=%s", name), fmt.Sprintf("admin=%s", admin))
				if out, err := cmd.CombinedOutput(); err != nil {
					return fmt.Errorf("netsh %s: %v: %s", admin, err, strings.TrimSpace(string(out)))
				}
				log.Info("adapter toggled", "adapter", name, "admin", admin)
				return nil
			},
		})
	}

	return g.batch.Run(ctx, tasks)
}

// listAdapters enumerates physical adapters via WMI, falling back to the
// interface table when WMI is unavailable. connectedOnly limits the result
// to adapters that currently have link.
func (g *windowsGate) listAdapters(connectedOnly bool) ([]string, error) {
	names, err := wmiAdapterNames(connectedOnly)
	if err != nil {
		log.Warn("WMI adapter enumeration failed, using interface table", "error", err)
		names, err = interfaceTableNames(connectedOnly)
		if err != nil {
			return nil, err
		}
	}

	if len(g.allowed) == 0 {
		return names, nil
	}

	var out []string
	for _, name := range names {
		if g.allowed[strings.ToLower(name)] {
			out = append(out, name)
		}
	}
	return out, nil
}

// wmiAdapterNames queries Win32_NetworkAdapter for physical adapters and
// returns their connection names.
func wmiAdapterNames(connectedOnly bool) (names []string, err error) {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		return nil, fmt.Errorf("CoInitializeEx: %w", err)
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return nil, fmt.Errorf("create WbemScripting.SWbemLocator: %w", err)
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, fmt.Errorf("query IDispatch: %w", err)
	}
	defer locator.Release()

	serviceRaw, err := oleutil.CallMethod(locator, "ConnectServer", nil, `root\cimv2`)
	if err != nil {
		return nil, fmt.Errorf("connect root\\cimv2: %w", err)
	}
	service := serviceRaw.ToIDispatch()
	defer service.Release()

	query := "SELECT NetConnectionID FROM Win32_NetworkAdapter WHERE PhysicalAdapter = TRUE AND NetConnectionID IS NOT NULL"
	if connectedOnly {
		query += " AND NetEnabled = TRUE"
	}

	resultRaw, err := oleutil.CallMethod(service, "ExecQuery", query)
	if err != nil {
		return nil, fmt.Errorf("ExecQuery: %w", err)
	}
	result := resultRaw.ToIDispatch()
	defer result.Release()

	countVar, err := oleutil.GetProperty(result, "Count")
	if err != nil {
		return nil, fmt.Errorf("result count: %w", err)
	}

	for i := 0; i < int(countVar.Val); i++ {
		itemRaw, err := oleutil.CallMethod(result, "ItemIndex", i)
		if err != nil {
			continue
		}
		item := itemRaw.ToIDispatch()

		if nameVar, err := oleutil.GetProperty(item, "NetConnectionID"); err == nil {
			if name := nameVar.ToString(); name != "" {
				names = append(names, name)
			}
		}
		item.Release()
	}

	return names, nil
}

func interfaceTableNames(connectedOnly bool) ([]string, error) {
	ifaces, err := gopsnet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("interface stat: %w", err)
	}

	var names []string
	for _, iface := range ifaces {
		if isLoopback(iface) {
			continue
		}
		if connectedOnly && !isUp(iface) {
			continue
		}
		names = append(names, iface.Name)
	}
	return names, nil
}

func isLoopback(iface gopsnet.InterfaceStat) bool {
	for _, flag := range iface.Flags {
		if flag == "loopback" {
			return true
		}
	}
	return false
}

func isUp(iface gopsnet.InterfaceStat) bool {
	for _, flag := range iface.Flags {
		if flag == "up" {
			return true
		}
	}
	return false
}

func firewallActive(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, "netsh", "advfirewall", "show", "allprofiles", "state").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToUpper(string(out)), "ON")
}

func dnsServiceRunning() bool {
	running, err := svcquery.IsRunning("Dnscache")
	if err != nil {
		log.Warn("DNS service query failed", "error", err)
		return false
	}
	return running
}
