package match

// Slot is one position in the turn order.
type Slot struct {
	Round     int
	TurnIndex int
	Direction Direction
}

// SnakeOrder lists every turn for players seats over rounds. Each round is an
// ascending pass followed by a descending pass.
func SnakeOrder(players, rounds int) []Slot {
	if players <= 0 || rounds <= 0 {
		return nil
	}
	out := make([]Slot, 0, 2*players*rounds)
	for r := 1; r <= rounds; r++ {
		for i := 0; i < players; i++ {
			out = append(out, Slot{Round: r, TurnIndex: i, Direction: Ascending})
		}
		for i := players - 1; i >= 0; i-- {
			out = append(out, Slot{Round: r, TurnIndex: i, Direction: Descending})
		}
	}
	return out
}
