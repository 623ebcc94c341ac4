package checksum

import "testing"

func TestTimeBasedShouldVerify(t *testing.T) {
	s, err := NewTimeBased([]string{"symbol"}, 7)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name             string
		ageDays          float64
		lastVerifiedDays float64
		want             bool
	}{
		{"fresh", 30, 1, false},
		{"just under interval", 30, 6.9, false},
		{"exactly at interval", 30, 7, true},
		{"overdue", 30, 20, true},
		{"record age irrelevant", 0.5, 8, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.ShouldVerify(tt.ageDays, tt.lastVerifiedDays); got != tt.want {
				t.Errorf("ShouldVerify(%v, %v) = %v, want %v",
					tt.ageDays, tt.lastVerifiedDays, got, tt.want)
			}
		})
	}
}

func TestTimeBasedRejectsBadArgs(t *testing.T) {
	if _, err := NewTimeBased(nil, 7); err == nil {
		t.Error("empty fields accepted")
	}
	if _, err := NewTimeBased([]string{"a"}, 0); err == nil {
		t.Error("zero interval accepted")
	}
}

func TestCriticalDataDefaultInterval(t *testing.T) {
	s, err := NewCriticalData([]string{"symbol"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !s.ShouldVerify(10, 1) {
		t.Error("critical strategy should verify at one day by default")
	}
	if s.ShouldVerify(10, 0.5) {
		t.Error("critical strategy fired under the one-day default")
	}
}

func TestStrategyFields(t *testing.T) {
	fields := []string{"symbol", "close"}
	s, err := NewTimeBased(fields, 7)
	if err != nil {
		t.Fatal(err)
	}
	got := s.Fields()
	if len(got) != 2 || got[0] != "symbol" || got[1] != "close" {
		t.Errorf("Fields() = %v", got)
	}
}
