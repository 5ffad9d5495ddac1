package preload

import "github.com/fatih/color"

// ConsoleProgress prints loading feedback to the terminal, the closest
// server-side analogue of the map page's transient loading indicator.
type ConsoleProgress struct {
	total int
	done  int
}

func NewConsoleProgress() *ConsoleProgress {
	return &ConsoleProgress{}
}

func (p *ConsoleProgress) Begin(total int) {
	p.total = total
	p.done = 0
	color.HiBlue("Preloading %d dataset categories\n", total)
}

func (p *ConsoleProgress) Update(name string) {
	p.done++
	color.Cyan("  [%d/%d] %s\n", p.done, p.total, name)
}

func (p *ConsoleProgress) End() {
	color.Green("Preload complete\n")
}
