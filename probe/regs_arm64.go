package probe

// struct user_pt_regs offsets of x0..x7.
var argOffsets = []int16{0, 8, 16, 24, 32, 40, 48, 56}
