package probe

// struct pt_regs offsets of rdi, rsi, rdx, rcx, r8, r9.
var argOffsets = []int16{112, 104, 96, 88, 72, 64}
