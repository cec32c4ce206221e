package cli

import (
	"reflect"

	"github.com/alecthomas/kong"
)

// parsedMapper creates a Kong mapper that pops one value and parses it.
func parsedMapper[T any](placeholder string, parse func(string) (T, error)) kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto(placeholder, &s); err != nil {
			return err
		}
		v, err := parse(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(v))
		return nil
	}
}

func filterIDMapper() kong.MapperFunc { return parsedMapper("filter-id", ParseFilterID) }

func priorityMapper() kong.MapperFunc { return parsedMapper("priority", ParsePriority) }

func macMapper() kong.MapperFunc { return parsedMapper("mac", ParseMAC) }

func endpointMapper() kong.MapperFunc { return parsedMapper("addr[:port]", ParseEndpoint) }

func vidMapper() kong.MapperFunc { return parsedMapper("vid", ParseVID) }

func hexBytesMapper() kong.MapperFunc { return parsedMapper("hex", ParseHexBytes) }
