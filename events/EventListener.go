package events

// EventListener - Receives every event the router emits, in emission order, on
// the router's event goroutine. Implementations must return promptly.
type EventListener interface {
	OnEvent(event Event)
}

// EventListenerFunc - Adapts an ordinary function to an EventListener.
type EventListenerFunc func(event Event)

func (f EventListenerFunc) OnEvent(event Event) { f(event) }
