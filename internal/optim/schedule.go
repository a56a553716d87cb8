package optim

import "math"

// InvSchedule is the "inv" learning-rate policy:
//
//	lr = base * (1 + Gamma*iter)^(-Power)
type InvSchedule struct {
	Gamma float64
	Power float64
}

// DefaultInvSchedule is gamma=0.001, power=0.75.
var DefaultInvSchedule = InvSchedule{Gamma: 0.001, Power: 0.75}

// LR returns the learning rate at iter.
func (s InvSchedule) LR(base float32, iter int) float32 {
	return float32(float64(base) * math.Pow(1+s.Gamma*float64(iter), -s.Power))
}
