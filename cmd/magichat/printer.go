package main

import (
	"fmt"
	"sync"

	"github.com/magic2k/magichat/internal/chat"
	"github.com/magic2k/magichat/internal/timeline"
)

// printer appends newly arrived timeline entries to stdout. A poll cycle can
// replace the list wholesale, in which case it reprints from the top.
type printer struct {
	mu       sync.Mutex
	tl       *timeline.Timeline
	self     string
	peerName string
	printed  int
}

func (p *printer) attach(tl *timeline.Timeline) {
	p.mu.Lock()
	p.tl = tl
	p.mu.Unlock()
}

func (p *printer) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tl == nil {
		return
	}
	msgs := p.tl.Messages()
	if len(msgs) < p.printed {
		p.printed = 0
	}
	for _, msg := range msgs[p.printed:] {
		p.print(msg)
	}
	p.printed = len(msgs)
}

func (p *printer) print(msg chat.Message) {
	who := p.peerName
	if msg.SenderID == p.self {
		who = "me"
	}
	stamp := ""
	if !msg.CreatedAt.IsZero() {
		stamp = msg.CreatedAt.Local().Format("15:04") + " "
	}
	switch msg.Kind {
	case chat.KindTic:
		fmt.Printf("%s%s sent a tic\n", stamp, who)
	case chat.KindImage:
		fmt.Printf("%s%s: [image %s]\n", stamp, who, msg.Body)
	case chat.KindAudio:
		fmt.Printf("%s%s: [audio %s]\n", stamp, who, msg.Body)
	default:
		fmt.Printf("%s%s: %s\n", stamp, who, msg.Body)
	}
}
