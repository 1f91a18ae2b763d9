package meter

import "github.com/ineyio/credgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ credgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAcquire(credgate.AcquireEvent) {}
func (m *NoopMeter) OnResult(credgate.ResultEvent)   {}

// Multi fans events out to several meters in order.
type Multi []credgate.Meter

var _ credgate.Meter = Multi(nil)

func (mm Multi) OnAcquire(e credgate.AcquireEvent) {
	for _, m := range mm {
		m.OnAcquire(e)
	}
}

func (mm Multi) OnResult(e credgate.ResultEvent) {
	for _, m := range mm {
		m.OnResult(e)
	}
}
