package tty

import "gophernel/kernel/driver/video/console"

const (
	defaultFg = console.LightGrey
	defaultBg = console.Black
	tabWidth  = 4
)

// Vt implements a simple terminal that can process LF, CR, tab and
// backspace control characters. The terminal uses a console device for
// its output.
type Vt struct {
	cons *console.Ega

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr console.Attr
}

// AttachTo binds the terminal to a console device, replacing whatever was
// attached before, and resets the cursor to the origin.
func (t *Vt) AttachTo(cons *console.Ega) {
	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX = 0
	t.curY = 0

	// Default to lightgrey on black text.
	t.curAttr = makeAttr(defaultFg, defaultBg)
}

// Dimensions returns the terminal width and height in characters.
func (t *Vt) Dimensions() (uint16, uint16) {
	t.cons.Lock()
	defer t.cons.Unlock()

	return t.width, t.height
}

// Clear clears the terminal.
func (t *Vt) Clear() {
	t.cons.Lock()
	defer t.cons.Unlock()

	t.clear()
}

// Position returns the current cursor position (x, y).
func (t *Vt) Position() (uint16, uint16) {
	t.cons.Lock()
	defer t.cons.Unlock()

	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y).
func (t *Vt) SetPosition(x, y uint16) {
	t.cons.Lock()
	defer t.cons.Unlock()

	if x >= t.width {
		x = t.width - 1
	}

	if y >= t.height {
		y = t.height - 1
	}

	t.curX, t.curY = x, y
}

// Write implements io.Writer.
func (t *Vt) Write(data []byte) (int, error) {
	t.cons.Lock()
	defer t.cons.Unlock()

	for _, b := range data {
		t.putc(b)
	}

	return len(data), nil
}

// WriteByte writes a single byte, interpreting the same control characters
// as Write (CR, LF, tab, backspace).
func (t *Vt) WriteByte(b byte) error {
	t.cons.Lock()
	defer t.cons.Unlock()

	t.putc(b)
	return nil
}

// WriteAtPosition writes a single character with the given attribute at an
// explicit location without moving or otherwise consulting the cursor.
func (t *Vt) WriteAtPosition(x, y uint16, attr console.Attr, ch byte) {
	t.cons.Lock()
	defer t.cons.Unlock()

	t.cons.Write(ch, attr, x, y)
}

// putc interprets one byte of terminal input against the current cursor
// position, advancing it as a side effect. Callers must hold t.cons's lock.
func (t *Vt) putc(b byte) {
	switch b {
	case '\r':
		t.cr()
	case '\n':
		t.cr()
		t.lf()
	case '\b':
		if t.curX > 0 {
			t.curX--
		}
	case '\t':
		for i := 0; i < tabWidth; i++ {
			t.putChar(' ')
		}
	default:
		t.putChar(b)
	}
}

// putChar writes a single printable character at the cursor and advances
// it, wrapping to the next line (and scrolling if already on the last one)
// when it runs past the right edge.
func (t *Vt) putChar(b byte) {
	t.cons.Write(b, t.curAttr, t.curX, t.curY)
	t.curX++
	if t.curX == t.width {
		t.curX = 0
		t.lf()
	}
}

// clear clears the terminal.
func (t *Vt) clear() {
	t.cons.Clear(0, 0, t.width, t.height)
}

// cr resets the x coordinate of the terminal cursor to 0.
func (t *Vt) cr() {
	t.curX = 0
}

// lf advances the y coordinate of the terminal cursor by one line scrolling
// the terminal contents if the end of the last terminal line is reached.
func (t *Vt) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.Scroll(console.Up, 1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}

func makeAttr(fg, bg console.Attr) console.Attr {
	return (bg << 4) | (fg & 0xF)
}
