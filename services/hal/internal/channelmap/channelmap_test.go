package channelmap

import (
	"strings"
	"testing"

	"vmxhal-go/drivers/vmx"
	"vmxhal-go/drivers/vmx/simio"
)

func TestDefaultMap(t *testing.T) {
	m := Default()
	if n := m.Count("PWM"); n != 22 {
		t.Fatalf("PWM channels=%d want 22", n)
	}
	e, ok := m.Lookup("PWM", 0)
	if !ok || e.VMX != 12 {
		t.Fatalf("PWM 0 -> %+v %v, want board 12", e, ok)
	}
	e, ok = m.Lookup("PWM", 21)
	if !ok || e.VMX != 11 {
		t.Fatalf("PWM 21 -> %+v %v, want board 11", e, ok)
	}
	if _, ok := m.Lookup("PWM", 22); ok {
		t.Fatal("PWM 22 should be unmapped")
	}
	if _, ok := m.Lookup("DIO", 0); ok {
		t.Fatal("no DIO section in the default map")
	}
}

func TestLoadRejectsGaps(t *testing.T) {
	_, err := Load(strings.NewReader(`
labels:
  PWM:
    - {hal: 0, vmx: 1}
    - {hal: 2, vmx: 2}
`))
	if err == nil || !strings.Contains(err.Error(), "dense") {
		t.Fatalf("expected density error, got %v", err)
	}
}

func TestLoadRejectsDuplicateBoardChannel(t *testing.T) {
	_, err := Load(strings.NewReader(`
labels:
  PWM:
    - {hal: 1, vmx: 4}
    - {hal: 0, vmx: 4}
`))
	if err == nil || !strings.Contains(err.Error(), "board channel 4") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestLoadSortsEntries(t *testing.T) {
	m, err := Load(strings.NewReader(`
labels:
  PWM:
    - {hal: 1, vmx: 7}
    - {hal: 0, vmx: 3}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if e, _ := m.Lookup("PWM", 1); e.VMX != 7 {
		t.Fatalf("PWM 1 -> %d want 7", e.VMX)
	}
}

func TestInfoRefreshesCapabilities(t *testing.T) {
	board := simio.New(simio.DefaultLayout(), nil)
	e, _ := Default().Lookup("PWM", 1) // board channel 13, odd -> port 1
	info, err := Info(board, e)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Index != 13 || !info.Capabilities.Has(vmx.PWMGeneratorOutput2) {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := Info(board, Entry{VMX: 200}); err != vmx.ErrInvalidChannel {
		t.Fatalf("unknown board channel: %v", err)
	}
}
