package energy_test

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/datasciritwik/realtime/pkg/provider/vad"
	"github.com/datasciritwik/realtime/pkg/provider/vad/energy"
)

var cfg = vad.Config{SampleRate: 16000, FrameSizeMs: 20, Aggressiveness: 2}

func tone(freq, amp float64) []byte {
	n := cfg.SampleRate * cfg.FrameSizeMs / 1000
	buf := make([]byte, n*2)
	for i := range n {
		s := int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(cfg.SampleRate)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// hiss is random-magnitude noise whose sign flips every sample.
func hiss(amp float64) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	n := cfg.SampleRate * cfg.FrameSizeMs / 1000
	buf := make([]byte, n*2)
	for i := range n {
		s := 100 + r.Float64()*amp
		if i%2 == 1 {
			s = -s
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s)))
	}
	return buf
}

func TestClassifier(t *testing.T) {
	t.Parallel()

	c, err := energy.New().NewClassifier(cfg)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	defer c.Close()

	tests := []struct {
		name  string
		frame []byte
		want  bool
	}{
		{name: "silence", frame: make([]byte, 640), want: false},
		{name: "quiet tone", frame: tone(220, 100), want: false},
		{name: "voiced tone", frame: tone(220, 8000), want: true},
		{name: "loud hiss", frame: hiss(8000), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.IsSpeech(tc.frame)
			if err != nil {
				t.Fatalf("IsSpeech: %v", err)
			}
			if got != tc.want {
				t.Errorf("IsSpeech = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassifier_WrongFrameSize(t *testing.T) {
	c, _ := energy.New().NewClassifier(cfg)
	if _, err := c.IsSpeech(make([]byte, 100)); !errors.Is(err, vad.ErrFrameSize) {
		t.Errorf("IsSpeech = %v, want ErrFrameSize", err)
	}
}

func TestClassifier_ThresholdOverride(t *testing.T) {
	c, _ := (&energy.Engine{RMSThreshold: 0.001}).NewClassifier(cfg)
	got, err := c.IsSpeech(tone(220, 100))
	if err != nil {
		t.Fatalf("IsSpeech: %v", err)
	}
	if !got {
		t.Error("quiet tone should pass a lowered threshold")
	}
}

func TestClassifier_Closed(t *testing.T) {
	c, _ := energy.New().NewClassifier(cfg)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.IsSpeech(make([]byte, 640)); err == nil {
		t.Error("expected error after Close")
	}
}

func TestNewClassifier_InvalidConfig(t *testing.T) {
	t.Parallel()

	for _, bad := range []vad.Config{
		{SampleRate: 44100, FrameSizeMs: 20},
		{SampleRate: 16000, FrameSizeMs: 25},
		{SampleRate: 16000, FrameSizeMs: 20, Aggressiveness: 4},
	} {
		if _, err := energy.New().NewClassifier(bad); err == nil {
			t.Errorf("NewClassifier(%+v) succeeded, want error", bad)
		}
	}
}
