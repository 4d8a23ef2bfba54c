// Command fiberdemo runs a small buffered ping-pong scenario across a
// handful of fibers, printing scheduler stats once every fiber has joined.
package main

import (
	"fmt"
	"time"

	"github.com/concore/fiberchan"
)

func main() {
	sched := fiberchan.NewScheduler()
	defer sched.Stop()

	ping, err := fiberchan.New[int](4)
	if err != nil {
		panic(err)
	}
	pong, err := fiberchan.New[int](4)
	if err != nil {
		panic(err)
	}

	const rounds = 10_000

	server := sched.Spawn(func() {
		for i := 0; i < rounds; i++ {
			v, err := ping.Recv()
			if err != nil {
				return
			}
			if err := pong.Send(v + 1); err != nil {
				return
			}
		}
	})

	client := sched.Spawn(func() {
		v := 0
		for i := 0; i < rounds; i++ {
			if err := ping.Send(v); err != nil {
				return
			}
			next, err := pong.Recv()
			if err != nil {
				return
			}
			v = next
		}
		fmt.Println("final value:", v)
	})

	client.Join()
	_ = ping.Close()
	_ = pong.Close()
	server.Join()

	time.Sleep(5 * time.Millisecond)
	fmt.Println(sched.Snapshot())
}
