package wavutil

import "testing"

func TestDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		payloadLen int
		sampleRate int
		want       float64
	}{
		{"one second at 24kHz", HeaderSize + 48000, 24000, 1},
		{"half second at 22.05kHz", HeaderSize + 22050, 22050, 0.5},
		{"header only", HeaderSize, 24000, 0},
		{"empty", 0, 24000, 0},
		{"zero rate", HeaderSize + 48000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Duration(make([]byte, tt.payloadLen), tt.sampleRate)
			if got != tt.want {
				t.Fatalf("Duration(%d bytes, %d Hz) = %v, want %v", tt.payloadLen, tt.sampleRate, got, tt.want)
			}
			if got := DurationForSize(int64(tt.payloadLen), tt.sampleRate); got != tt.want {
				t.Fatalf("DurationForSize(%d, %d Hz) = %v, want %v", tt.payloadLen, tt.sampleRate, got, tt.want)
			}
		})
	}
}
