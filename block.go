package coapcore

import (
	"github.com/pkg/errors"
)

// BlockSize is the SZX exponent of a block option: 16 << BlockSize bytes.
type BlockSize int

const (
	BLOCK_16 BlockSize = iota
	BLOCK_32
	BLOCK_64
	BLOCK_128
	BLOCK_256
	BLOCK_512
	BLOCK_1024
)

const blockNumberMax = 0xfffff

func BlockSizeToBytes(size BlockSize) int {
	return 1 << (uint(size) + 4)
}

func BytesToBlockSize(n int) (BlockSize, error) {
	for s := BLOCK_16; s <= BLOCK_1024; s++ {
		if BlockSizeToBytes(s) == n {
			return s, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalid, "block size of %d bytes", n)
}

func NewBlock(moreBlocks bool, num int, size BlockSize) *Block {
	return &Block{
		BlockNumber: num,
		BlockSize:   size,
		MoreBlocks:  moreBlocks,
	}
}

func NewBlockFromInt(blockValue uint32) *Block {
	block := &Block{}
	block.FromInt(blockValue)
	return block
}

// Block is the (NUM, M, SZX) triple carried by Block1 and Block2.
type Block struct {
	BlockNumber int
	MoreBlocks  bool
	BlockSize   BlockSize
}

func (block *Block) ToInt() uint32 {
	value := uint32(block.BlockNumber) << 4
	if block.MoreBlocks {
		value |= 1 << 3
	}
	value |= uint32(block.BlockSize) & 0x07
	return value
}

func (block *Block) FromInt(blockValue uint32) {
	block.BlockNumber = int(blockValue >> 4)
	block.MoreBlocks = blockValue&0x08 != 0
	block.BlockSize = BlockSize(blockValue & 0x07)
}

// Offset is the byte position of the first byte of the block.
func (block *Block) Offset() int {
	return block.BlockNumber << (uint(block.BlockSize) + 4)
}

// BlockContext tracks one block-wise transfer. TotalSize is 0 while unknown.
type BlockContext struct {
	BlockSize BlockSize
	TotalSize int
	Current   int
}

func NewBlockContext(size BlockSize, totalSize int) *BlockContext {
	ctx := &BlockContext{}
	ctx.Init(size, totalSize)
	return ctx
}

func (ctx *BlockContext) Init(size BlockSize, totalSize int) {
	ctx.BlockSize = size
	ctx.TotalSize = totalSize
	ctx.Current = 0
}

func (p *Packet) getBlock(code OptionCode) (*Block, bool) {
	v, ok := p.GetOptionInt(code)
	if !ok {
		return nil, false
	}
	return NewBlockFromInt(v), true
}

func (p *Packet) GetBlock1Option() (*Block, bool) { return p.getBlock(OptionBlock1) }
func (p *Packet) GetBlock2Option() (*Block, bool) { return p.getBlock(OptionBlock2) }

// appendBlock encodes the block at ctx.Current. Only the descriptive side
// (requests for Block1, responses for Block2) sets the more flag.
func (p *Packet) appendBlock(code OptionCode, ctx *BlockContext, descriptive bool) error {
	bytes := BlockSizeToBytes(ctx.BlockSize)
	num := ctx.Current / bytes
	if num > blockNumberMax {
		return errors.Wrapf(ErrInvalid, "block number %d", num)
	}
	block := NewBlock(descriptive && ctx.Current+bytes < ctx.TotalSize, num, ctx.BlockSize)
	return p.AppendOptionInt(code, block.ToInt())
}

func (p *Packet) AppendBlock1Option(ctx *BlockContext) error {
	return p.appendBlock(OptionBlock1, ctx, p.IsRequest())
}

func (p *Packet) AppendBlock2Option(ctx *BlockContext) error {
	return p.appendBlock(OptionBlock2, ctx, !p.IsRequest())
}

func (p *Packet) AppendSize1Option(ctx *BlockContext) error {
	return p.AppendOptionInt(OptionSize1, uint32(ctx.TotalSize))
}

func (p *Packet) AppendSize2Option(ctx *BlockContext) error {
	return p.AppendOptionInt(OptionSize2, uint32(ctx.TotalSize))
}

// descriptiveBlockOption is Block1 for requests and Block2 for responses.
func (p *Packet) descriptiveBlockOption() OptionCode {
	if p.IsRequest() {
		return OptionBlock1
	}
	return OptionBlock2
}

func (p *Packet) AppendDescriptiveBlockOption(ctx *BlockContext) error {
	if p.IsRequest() {
		return p.AppendBlock1Option(ctx)
	}
	return p.AppendBlock2Option(ctx)
}

func (p *Packet) HasDescriptiveBlockOption() bool {
	_, ok := p.getBlock(p.descriptiveBlockOption())
	return ok
}

func (p *Packet) RemoveDescriptiveBlockOption() error {
	return p.RemoveOption(p.descriptiveBlockOption())
}

// BlockHasMore reports the more flag of the descriptive block option.
func (p *Packet) BlockHasMore() bool {
	block, ok := p.getBlock(p.descriptiveBlockOption())
	return ok && block.MoreBlocks
}

func (ctx *BlockContext) updateDescriptive(block *Block, size int) error {
	if block == nil {
		return nil
	}
	newCurrent := block.Offset()
	if size != 0 && ctx.TotalSize != 0 && ctx.TotalSize != size {
		return errors.Wrapf(ErrInvalid, "total size changed from %d to %d", ctx.TotalSize, size)
	}
	if ctx.Current > 0 && block.BlockSize > ctx.BlockSize {
		return errors.Wrapf(ErrInvalid, "block size grew to %d", BlockSizeToBytes(block.BlockSize))
	}
	if ctx.TotalSize != 0 && newCurrent > ctx.TotalSize {
		return errors.Wrapf(ErrInvalid, "block at %d past total size %d", newCurrent, ctx.TotalSize)
	}

	if size != 0 {
		ctx.TotalSize = size
	}
	ctx.Current = newCurrent
	if block.BlockSize < ctx.BlockSize {
		ctx.BlockSize = block.BlockSize
	}
	return nil
}

func (ctx *BlockContext) updateControlBlock1(block *Block, size int, hasSize bool) error {
	if block == nil {
		return nil
	}
	if block.Offset() != ctx.Current {
		return errors.Wrapf(ErrInvalid, "block1 at %d, expected %d", block.Offset(), ctx.Current)
	}
	if block.BlockSize > ctx.BlockSize {
		return errors.Wrapf(ErrInvalid, "block size grew to %d", BlockSizeToBytes(block.BlockSize))
	}
	ctx.BlockSize = block.BlockSize
	if hasSize {
		ctx.TotalSize = size
	}
	return nil
}

func (ctx *BlockContext) updateControlBlock2(block *Block) error {
	if block == nil {
		return nil
	}
	if block.MoreBlocks {
		return errors.Wrap(ErrInvalid, "more flag on block2 request")
	}
	if block.BlockNumber > 0 && block.BlockSize != ctx.BlockSize {
		return errors.Wrapf(ErrInvalid, "block size changed to %d", BlockSizeToBytes(block.BlockSize))
	}
	ctx.Current = block.Offset()
	if block.BlockSize < ctx.BlockSize {
		ctx.BlockSize = block.BlockSize
	}
	return nil
}

// UpdateFromBlock advances ctx from the block options of a received packet.
// A request carries the control Block2 and the descriptive Block1, a
// response the other way round.
func (ctx *BlockContext) UpdateFromBlock(p *Packet) error {
	block1, _ := p.GetBlock1Option()
	block2, _ := p.GetBlock2Option()
	size1, hasSize1 := p.GetOptionInt(OptionSize1)
	size2, hasSize2 := p.GetOptionInt(OptionSize2)

	if p.IsRequest() {
		if err := ctx.updateControlBlock2(block2); err != nil {
			return err
		}
		return ctx.updateDescriptive(block1, int(size1))
	}

	if err := ctx.updateControlBlock1(block1, int(size1), hasSize1); err != nil {
		return err
	}
	if !hasSize2 {
		size2 = 0
	}
	return ctx.updateDescriptive(block2, int(size2))
}

// NextBlockForOption accounts the payload of p against ctx. It returns 0
// once the block option of p has the more flag clear, the new position
// otherwise.
func (ctx *BlockContext) NextBlockForOption(p *Packet, code OptionCode) (int, error) {
	if code != OptionBlock1 && code != OptionBlock2 {
		return 0, errors.Wrapf(ErrInvalid, "option %d is not a block option", code)
	}
	block, ok := p.getBlock(code)
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "option %d", code)
	}

	n := len(p.Payload())
	if ctx.TotalSize > 0 && ctx.TotalSize < ctx.Current+n {
		return 0, errors.Wrapf(ErrMessageSize, "%d bytes past total size %d", ctx.Current+n-ctx.TotalSize, ctx.TotalSize)
	}
	ctx.Current += n
	if !block.MoreBlocks {
		return 0, nil
	}
	return ctx.Current, nil
}

// NextBlock is NextBlockForOption on the descriptive block option of p
// without the total size check. It returns 0 when p has no such option.
func (ctx *BlockContext) NextBlock(p *Packet) int {
	block, ok := p.getBlock(p.descriptiveBlockOption())
	if !ok {
		return 0
	}
	ctx.Current += len(p.Payload())
	if !block.MoreBlocks {
		return 0
	}
	return ctx.Current
}
