package control

import (
	"math"
	"testing"

	"tepmonitor/pkg/tep"
)

func TestSetXMVClampsToRange(t *testing.T) {
	p := New()
	v := 150.0
	if err := p.SetXMV(1, &v); err != nil {
		t.Fatalf("SetXMV: %v", err)
	}
	got := p.Current().XMVOverrides[0]
	if got == nil || *got != 100 {
		t.Fatalf("expected clamp to 100, got %v", got)
	}
}

func TestSetXMVRejectsNaN(t *testing.T) {
	p := New()
	v := math.NaN()
	if err := p.SetXMV(1, &v); err != tep.ErrInvalidXMVValue {
		t.Fatalf("expected ErrInvalidXMVValue, got %v", err)
	}
}

func TestSetXMVRejectsOutOfRangeIndex(t *testing.T) {
	p := New()
	v := 10.0
	if err := p.SetXMV(12, &v); err != tep.ErrInvalidXMVIndex {
		t.Fatalf("expected ErrInvalidXMVIndex, got %v", err)
	}
}

func TestSetXMVNilClearsOverride(t *testing.T) {
	p := New()
	v := 50.0
	_ = p.SetXMV(2, &v)
	_ = p.SetXMV(2, nil)
	if p.Current().XMVOverrides[1] != nil {
		t.Fatal("expected override cleared")
	}
}

func TestSetIDVClampsToMax(t *testing.T) {
	p := New()
	if err := p.SetIDV(1, 5.0, 2.0); err != nil {
		t.Fatalf("SetIDV: %v", err)
	}
	if p.Current().IDVMagnitudes[0] != 2.0 {
		t.Fatalf("expected clamp to 2.0, got %f", p.Current().IDVMagnitudes[0])
	}
}

func TestSetIDVRoundTripIdempotent(t *testing.T) {
	p := New()
	if err := p.SetIDV(3, 1.5, 10); err != nil {
		t.Fatalf("SetIDV: %v", err)
	}
	if p.Current().IDVMagnitudes[2] != 1.5 {
		t.Fatalf("expected 1.5, got %f", p.Current().IDVMagnitudes[2])
	}
}

func TestStopAllFaultsClearsIDVAndXMV(t *testing.T) {
	p := New()
	v := 30.0
	_ = p.SetXMV(1, &v)
	_ = p.SetIDV(1, 1.0, 10)
	p.StopAllFaults()
	cur := p.Current()
	if cur.XMVOverrides[0] != nil {
		t.Fatal("expected XMV override cleared")
	}
	if cur.IDVMagnitudes[0] != 0 {
		t.Fatal("expected IDV magnitude cleared")
	}
}

func TestSetSpeedInvokesCallback(t *testing.T) {
	p := New()
	var got tep.SpeedPreset
	p.OnSpeedChange(func(s tep.SpeedPreset) { got = s })
	if err := p.SetSpeed(tep.SpeedFast); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	if got != tep.SpeedFast {
		t.Fatalf("expected callback with SpeedFast, got %s", got)
	}
	if p.Current().SpeedPreset != tep.SpeedFast {
		t.Fatal("expected current speed preset updated")
	}
}

func TestSetSpeedRejectsUnknownPreset(t *testing.T) {
	p := New()
	if err := p.SetSpeed("ludicrous"); err != tep.ErrUnknownSpeedPreset {
		t.Fatalf("expected ErrUnknownSpeedPreset, got %v", err)
	}
}

func TestCurrentSnapshotIsIndependentOfSubsequentWrites(t *testing.T) {
	p := New()
	snap := p.Current()
	v := 99.0
	_ = p.SetXMV(1, &v)
	if snap.XMVOverrides[0] != nil {
		t.Fatal("expected previously returned snapshot to be unaffected by later writes")
	}
}
