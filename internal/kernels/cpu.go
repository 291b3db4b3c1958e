package kernels

import "golang.org/x/sys/cpu"

// Features lists the SIMD extensions detected on this CPU, for logging.
func Features() []string {
	var out []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"avx2", cpu.X86.HasAVX2},
		{"fma", cpu.X86.HasFMA},
		{"avx512f", cpu.X86.HasAVX512F},
		{"avx512vnni", cpu.X86.HasAVX512VNNI},
		{"neon", cpu.ARM64.HasASIMD},
		{"dotprod", cpu.ARM64.HasASIMDDP},
	} {
		if f.ok {
			out = append(out, f.name)
		}
	}
	return out
}
