package session

// startTimer arms the foreground timer. The first tick comes after
// TimerStartDelay, later ticks every TimerInterval. Ticks run on the loop.
func (h *Handler) startTimer() {
	h.stopTimer()

	interval := h.cfg.Session.TimerInterval
	delay := h.cfg.Session.TimerStartDelay
	if delay <= 0 {
		delay = interval
	}

	gen := h.timerGen
	stop := make(chan struct{})
	h.timerStop = stop
	ticker := h.clock.NewTicker(delay, "session", "timer")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()

		first := true
		for {
			select {
			case <-stop:
				return
			case <-h.done:
				return
			case <-ticker.C:
				if first && delay != interval {
					ticker.Reset(interval, "session", "timer")
				}
				first = false
				h.post(func() {
					// a tick that raced with stopTimer is stale
					if gen == h.timerGen {
						h.tick()
					}
				})
			}
		}
	}()
}

func (h *Handler) stopTimer() {
	if h.timerStop == nil {
		return
	}
	close(h.timerStop)
	h.timerStop = nil
	h.timerGen++
}
