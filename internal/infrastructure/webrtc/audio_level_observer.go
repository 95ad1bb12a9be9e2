package webrtc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
)

// AudioLevelObserver reports, once per interval, the loudest audio producers
// it watches based on the RTP audio level header extension.
type AudioLevelObserver struct {
	id         string
	router     *Router
	maxEntries int
	threshold  int
	interval   time.Duration
	events     observerList[ports.AudioLevelEvent]
	stop       chan struct{}
	stopOnce   sync.Once

	// guarded by router.mu
	closed    bool
	silent    bool
	producers map[string]*Producer
	levels    map[string][]int
}

func (o *AudioLevelObserver) ID() string { return o.id }

func (o *AudioLevelObserver) AddProducer(ctx context.Context, producerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := o.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.closed {
		return fmt.Errorf("audio level observer %s closed", o.id)
	}
	p, ok := r.producers[producerID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	if p.kind != domain.MediaKindAudio {
		return fmt.Errorf("%w: producer %s is not audio", domain.ErrInvalidParameters, producerID)
	}
	o.producers[producerID] = p
	return nil
}

func (o *AudioLevelObserver) RemoveProducer(ctx context.Context, producerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := o.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := o.producers[producerID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	o.removeLocked(producerID)
	return nil
}

func (o *AudioLevelObserver) Close() {
	r := o.router
	var d dispatch
	r.mu.Lock()
	r.closeAudioObserverLocked(o, &d)
	r.mu.Unlock()
	d.run()
}

func (o *AudioLevelObserver) Observe(fn func(ports.AudioLevelEvent)) (cancel func()) {
	return o.events.add(fn)
}

func (o *AudioLevelObserver) removeLocked(producerID string) {
	delete(o.producers, producerID)
	delete(o.levels, producerID)
}

func (o *AudioLevelObserver) recordLocked(producerID string, dBov int) {
	if _, ok := o.producers[producerID]; !ok {
		return
	}
	o.levels[producerID] = append(o.levels[producerID], dBov)
}

func (o *AudioLevelObserver) run() {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

// tick averages the levels recorded since the previous tick. It emits the
// producers at or above the threshold, loudest first, or a single silence
// event when none qualifies.
func (o *AudioLevelObserver) tick() {
	r := o.router
	var d dispatch

	r.mu.Lock()
	if o.closed {
		r.mu.Unlock()
		return
	}
	var volumes []ports.AudioLevelVolume
	for id, samples := range o.levels {
		p := o.producers[id]
		if p == nil || p.paused || len(samples) == 0 {
			continue
		}
		sum := 0
		for _, v := range samples {
			sum += v
		}
		avg := sum / len(samples)
		if avg >= o.threshold {
			volumes = append(volumes, ports.AudioLevelVolume{Producer: p, Volume: avg})
		}
	}
	o.levels = make(map[string][]int)

	sort.SliceStable(volumes, func(i, j int) bool { return volumes[i].Volume > volumes[j].Volume })
	if len(volumes) > o.maxEntries {
		volumes = volumes[:o.maxEntries]
	}

	switch {
	case len(volumes) > 0:
		o.silent = false
		d.push(o.events.emitter(ports.AudioLevelEvent{Kind: ports.AudioLevelVolumes, Volumes: volumes}))
	case !o.silent:
		o.silent = true
		d.push(o.events.emitter(ports.AudioLevelEvent{Kind: ports.AudioLevelSilence}))
	}
	r.mu.Unlock()

	d.run()
}
