// stackmapdump prints the contents of an .llvm_stackmaps blob.
//
// Usage: stackmapdump {file}
//
// The input is the raw section payload, for example extracted with
// `objcopy -O binary --only-section=.llvm_stackmaps`.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/inhies/go-bytesize"

	"github.com/coralclr/coral/stackmap"
)

func main() {
	verbose := flag.Bool("v", false, "print individual locations and live-outs")
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}

	sm, err := stackmap.Parse(data)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("stack map version %d, %s, %d functions, %d constants\n",
		sm.Version, bytesize.New(float64(len(data))), len(sm.Funcs), len(sm.Constants))

	for i := range sm.Funcs {
		fn := &sm.Funcs[i]
		fmt.Printf("function %#x: stack size %d, %d safepoints\n",
			fn.Address, fn.StackSize, fn.NumSafepoints())
		for j := range fn.Records {
			rec := &fn.Records[j]
			fmt.Printf("  safepoint %d: id %d at +%d, %d locations, %d live-outs\n",
				j, rec.ID, rec.InstructionOffset, len(rec.Locations), len(rec.LiveOuts))
			if !*verbose {
				continue
			}
			for _, loc := range rec.Locations {
				switch loc.Kind {
				case stackmap.LocDirect, stackmap.LocIndirect:
					fmt.Printf("    %-14s reg %d offset %d size %d\n",
						loc.Kind, loc.DwarfReg, loc.Offset, loc.Size)
				case stackmap.LocRegister:
					fmt.Printf("    %-14s reg %d size %d\n", loc.Kind, loc.DwarfReg, loc.Size)
				default:
					fmt.Printf("    %-14s value %d\n", loc.Kind, loc.Offset)
				}
			}
			for _, lo := range rec.LiveOuts {
				fmt.Printf("    live-out       reg %d size %d\n", lo.DwarfReg, lo.Size)
			}
		}
	}
}
