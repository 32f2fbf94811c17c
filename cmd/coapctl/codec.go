package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/coalalib/coapcore"
)

func parseType(s string) (coapcore.CoapType, error) {
	for t := coapcore.CON; t <= coapcore.RST; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, errors.Wrapf(coapcore.ErrInvalid, "message type %q", s)
}

// parseCode accepts a method name or a class.detail code such as 2.05.
func parseCode(s string) (coapcore.CoapCode, error) {
	for c := coapcore.GET; c <= coapcore.IPATCH; c++ {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	if strings.EqualFold(s, "empty") {
		return coapcore.CoapCodeEmpty, nil
	}
	class, detail, ok := strings.Cut(s, ".")
	if !ok {
		return 0, errors.Wrapf(coapcore.ErrInvalid, "code %q", s)
	}
	c, err := cast.ToUintE(class)
	if err != nil || c > 7 {
		return 0, errors.Wrapf(coapcore.ErrInvalid, "code class %q", class)
	}
	detail = strings.TrimLeft(detail, "0")
	if detail == "" {
		detail = "0"
	}
	d, err := cast.ToUintE(detail)
	if err != nil || d > 31 {
		return 0, errors.Wrapf(coapcore.ErrInvalid, "code detail %q", detail)
	}
	return coapcore.MakeCode(uint8(c), uint8(d)), nil
}

// appendOptionSpec adds a "number=value" option. Numeric values are encoded
// as minimal unsigned integers, anything else as raw bytes.
func appendOptionSpec(p *coapcore.Packet, spec string) error {
	num, value, ok := strings.Cut(spec, "=")
	if !ok {
		return errors.Wrapf(coapcore.ErrInvalid, "option %q is not number=value", spec)
	}
	n, err := cast.ToUint32E(num)
	if err != nil || n > coapcore.OPTION_NUMBER_MAX {
		return errors.Wrapf(coapcore.ErrInvalid, "option number %q", num)
	}
	code := coapcore.OptionCode(n)
	if value == "" {
		return p.AppendOption(code, nil)
	}
	if v, err := cast.ToUint32E(value); err == nil {
		return p.AppendOptionInt(code, v)
	}
	return p.AppendOption(code, []byte(strings.Trim(value, `"`)))
}

type encodeParams struct {
	typ, code, token, path, payload string
	id                              uint16
	options                         []string
	size                            int
}

func encode(ep encodeParams) ([]byte, error) {
	t, err := parseType(ep.typ)
	if err != nil {
		return nil, err
	}
	code, err := parseCode(ep.code)
	if err != nil {
		return nil, err
	}
	token, err := hex.DecodeString(ep.token)
	if err != nil {
		return nil, errors.Wrap(err, "token")
	}

	if ep.size < coapcore.HEADER_SIZE {
		return nil, errors.Wrapf(coapcore.ErrInvalid, "buffer size %d", ep.size)
	}
	p, err := coapcore.NewPacket(make([]byte, ep.size), t, token, code, ep.id)
	if err != nil {
		return nil, err
	}
	if ep.path != "" {
		if err := p.SetPath(ep.path); err != nil {
			return nil, err
		}
	}
	for _, spec := range ep.options {
		if err := appendOptionSpec(p, spec); err != nil {
			return nil, err
		}
	}
	if ep.payload != "" {
		if err := p.AppendPayloadMarker(); err != nil {
			return nil, err
		}
		if err := p.AppendPayload([]byte(ep.payload)); err != nil {
			return nil, err
		}
	}
	return p.Bytes(), nil
}

func optionString(o *coapcore.Option) string {
	switch o.Code {
	case coapcore.OptionURIPath, coapcore.OptionURIQuery, coapcore.OptionURIHost,
		coapcore.OptionLocationPath, coapcore.OptionLocationQuery,
		coapcore.OptionProxyURI, coapcore.OptionProxyScheme:
		return fmt.Sprintf("%q", o.String())
	case coapcore.OptionBlock1, coapcore.OptionBlock2:
		b := coapcore.NewBlockFromInt(o.IntValue())
		return fmt.Sprintf("%d/%t/%d", b.BlockNumber, b.MoreBlocks, coapcore.BlockSizeToBytes(b.BlockSize))
	case coapcore.OptionEtag, coapcore.OptionIfMatch:
		return hex.EncodeToString(o.Bytes())
	}
	return fmt.Sprint(o.IntValue())
}

func decode(w io.Writer, data []byte) error {
	options := make([]coapcore.Option, 32)
	p, n, err := coapcore.ParsePacket(data, options)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "v%d %s %s mid=%d token=%s\n", p.Version(), p.Type(), p.RawCode(), p.ID(), hex.EncodeToString(p.Token()))
	for i := 0; i < n; i++ {
		fmt.Fprintf(w, "  option %d: %s\n", options[i].Code, optionString(&options[i]))
	}
	if payload := p.Payload(); payload != nil {
		fmt.Fprintf(w, "  payload (%s): %q\n", humanize.Bytes(uint64(len(payload))), payload)
	}
	return nil
}

func encodeCmd() *cobra.Command {
	ep := encodeParams{}
	cmd := &cobra.Command{
		Use:     "encode",
		Short:   "Build a message and print it as hex",
		Example: "  coapctl encode --code GET --path /sensors/temp --option 6=0",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := encode(ep)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&ep.typ, "type", "CON", "message type")
	cmd.Flags().StringVar(&ep.code, "code", "GET", "method name or class.detail")
	cmd.Flags().Uint16Var(&ep.id, "id", 1, "message id")
	cmd.Flags().StringVar(&ep.token, "token", "", "token as hex")
	cmd.Flags().StringVar(&ep.path, "path", "", "path and query")
	cmd.Flags().StringArrayVarP(&ep.options, "option", "o", nil, "option as number=value")
	cmd.Flags().StringVar(&ep.payload, "payload", "", "payload text")
	cmd.Flags().IntVar(&ep.size, "size", 1280, "buffer size")
	return cmd
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "decode <hex>",
		Short:   "Print the fields of a hex encoded message",
		Example: "  coapctl decode 45011234746f6b656e60510173",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := hex.DecodeString(strings.ReplaceAll(args[0], " ", ""))
			if err != nil {
				return err
			}
			return decode(cmd.OutOrStdout(), data)
		},
	}
}
