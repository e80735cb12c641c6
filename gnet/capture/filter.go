package capture

import (
	"fmt"

	"golang.org/x/net/bpf"

	"github.com/sofiworker/gcap/gnet/packet"
)

// Filter 预编译的 BPF 过滤指令，Raw 优先。
type Filter struct {
	Instructions []bpf.Instruction
	Raw          []bpf.RawInstruction
}

type filter struct {
	vm *bpf.VM
}

// compile 没有指令时返回 nil。
func (f Filter) compile() (*filter, error) {
	ins := f.Instructions
	if len(f.Raw) > 0 {
		var ok bool
		if ins, ok = bpf.Disassemble(f.Raw); !ok {
			return nil, fmt.Errorf("raw program contains undecodable instructions")
		}
	}
	if len(ins) == 0 {
		return nil, nil
	}
	vm, err := bpf.NewVM(ins)
	if err != nil {
		return nil, err
	}
	return &filter{vm: vm}, nil
}

// apply 返回是否保留。程序返回的长度小于负载时按其截断。
func (f *filter) apply(p *packet.Packet) (bool, error) {
	n, err := f.vm.Run(p.Data)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if n < len(p.Data) {
		p.Data = p.Data[:n]
		p.CaptureLen = n
	}
	return true, nil
}
