package db

import "testing"

func TestSettlementDeltas(t *testing.T) {
	tests := []struct {
		name         string
		cost         int64
		participants []int
		purchaser    int
		expect       map[int]int64
		expectError  bool
	}{
		{
			name:         "PurchaserIsParticipant",
			cost:         5,
			participants: []int{1, 2, 3},
			purchaser:    1,
			expect:       map[int]int64{1: 10, 2: -5, 3: -5},
		},
		{
			name:         "PurchaserNotParticipant",
			cost:         5,
			participants: []int{2, 3},
			purchaser:    1,
			expect:       map[int]int64{1: 10, 2: -5, 3: -5},
		},
		{
			name:         "SingleParticipantPurchaser",
			cost:         5,
			participants: []int{1},
			purchaser:    1,
			expect:       map[int]int64{1: 0},
		},
		{
			name:         "ZeroCost",
			cost:         0,
			participants: []int{1, 2},
			purchaser:    1,
			expect:       map[int]int64{1: 0, 2: 0},
		},
		{
			name:         "NoParticipants",
			cost:         5,
			participants: nil,
			purchaser:    1,
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas, err := SettlementDeltas(tt.cost, tt.participants, tt.purchaser)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(deltas) != len(tt.expect) {
				t.Errorf("expected %d deltas, got %d", len(tt.expect), len(deltas))
			}
			var sum int64
			for id, want := range tt.expect {
				if deltas[id] != want {
					t.Errorf("user %d: expected delta %d, got %d", id, want, deltas[id])
				}
			}
			for _, d := range deltas {
				sum += d
			}
			if sum != 0 {
				t.Errorf("deltas do not conserve coins: sum=%d", sum)
			}
		})
	}
}
