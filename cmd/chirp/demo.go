package main

import (
	"context"

	"github.com/creachadair/chirplink/catalog"
	"github.com/creachadair/chirplink/handler"
	"github.com/creachadair/chirplink/packet"
)

// pair is a pair of int32 parameters.
type pair struct{ A, B int32 }

func (p *pair) UnmarshalArgs(args []packet.Arg) error { return packet.Scan(args, &p.A, &p.B) }

// demoCatalog returns a catalog of the procedures offered by "chirp serve".
func demoCatalog() catalog.Catalog {
	cat := catalog.New().
		Handle("add", handler.ParamResult(func(_ context.Context, p pair) int32 {
			return p.A + p.B
		})).
		Describe("add", "i,i", "add two integers").
		Handle("echo", handler.ParamResult(func(_ context.Context, s string) string {
			return s
		})).
		Describe("echo", "s", "return the argument").
		Handle("sum", handler.ParamResult(func(_ context.Context, vs []int32) int32 {
			var sum int32
			for _, v := range vs {
				sum += v
			}
			return sum
		})).
		Describe("sum", "*i", "add a list of integers").
		Handle("ping", handler.ResultOnly(func(context.Context) string { return "pong" })).
		Describe("ping", "", "check that the peer responds")
	return cat.
		Handle("catalog", cat.Handler).
		Describe("catalog", "", "encode this list of procedures")
}
