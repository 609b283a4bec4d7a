//go:build linux

package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unsafe"

	terrr "github.com/touka-aoi/rendezvous/core/errors"
	"golang.org/x/sys/unix"
)

var ErrSubmissionQueueFull = errors.New("submission queue is full")

type UringSQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Offset      uint64 // addr2
	Address     uint64 // addr1
	Len         uint32
	UserFlags   uint32 // union
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Pad2        [2]uint64 // addr3
}

type UringCQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Uring は io_uring のSQ/CQをmmapしたもの。スレッドセーフではないので呼び出し側で排他する
type Uring struct {
	Fd int32
	SQ SQ
	CQ CQ

	sqRing  []byte
	cqRing  []byte
	sqeData []byte
}

type SQ struct {
	SQPtr    uintptr
	Head     *uint32
	Tail     *uint32
	Mask     *uint32
	Entries  *uint32
	ArrayPtr uintptr
	SQEPtr   uintptr
}

type CQ struct {
	CQPtr   uintptr
	Head    *uint32
	Tail    *uint32
	Mask    *uint32
	Entries *uint32
	CQEs    uintptr
}

func CreateUring(entries uint32) (*Uring, error) {
	params := uringParams{}
	fd, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(&params)),
		0,
		0,
		0,
		0)

	if errno != 0 {
		slog.Error("IO_URING_SETUP failed", "errno", errno, "err", errno.Error())
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	sqSize := int(params.SQOffsets.Array + params.SqEntry*uint32(unsafe.Sizeof(uint32(0))))
	cqSize := int(params.CQOffsets.CQEs + params.CqEntry*uint32(unsafe.Sizeof(UringCQE{})))
	singleMmap := params.Features&IORING_FEAT_SINGLE_MMAP == IORING_FEAT_SINGLE_MMAP
	if singleMmap && cqSize > sqSize {
		sqSize = cqSize
	}

	sqRing, err := unix.Mmap(int(fd), IORING_OFF_SQ_RING, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		slog.Error("Mmap failed", "err", err)
		unix.Close(int(fd))
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}

	cqRing := sqRing
	if !singleMmap {
		// kernel 5.4以前はCQを別にmmapする
		cqRing, err = unix.Mmap(int(fd), IORING_OFF_CQ_RING, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			slog.Error("Mmap failed", "err", err)
			unix.Munmap(sqRing)
			unix.Close(int(fd))
			return nil, fmt.Errorf("mmap cq ring: %w", err)
		}
	}

	sqeData, err := unix.Mmap(
		int(fd),
		IORING_OFF_SQES,
		int(params.SqEntry)*int(unsafe.Sizeof(UringSQE{})),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
	)
	if err != nil {
		slog.Error("Mmap failed", "err", err)
		unix.Munmap(sqRing)
		if !singleMmap {
			unix.Munmap(cqRing)
		}
		unix.Close(int(fd))
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	SQPtr := uintptr(unsafe.Pointer(unsafe.SliceData(sqRing)))
	CQPtr := uintptr(unsafe.Pointer(unsafe.SliceData(cqRing)))
	SQEPtr := uintptr(unsafe.Pointer(unsafe.SliceData(sqeData)))

	uring := &Uring{
		Fd: int32(fd),
		SQ: SQ{
			SQPtr:    SQPtr,
			Head:     (*uint32)(unsafe.Pointer(SQPtr + uintptr(params.SQOffsets.Head))),
			Tail:     (*uint32)(unsafe.Pointer(SQPtr + uintptr(params.SQOffsets.Tail))),
			Entries:  (*uint32)(unsafe.Pointer(SQPtr + uintptr(params.SQOffsets.RingEntries))),
			Mask:     (*uint32)(unsafe.Pointer(SQPtr + uintptr(params.SQOffsets.RingMask))),
			ArrayPtr: SQPtr + uintptr(params.SQOffsets.Array),
			SQEPtr:   SQEPtr,
		},
		CQ: CQ{
			CQPtr:   CQPtr,
			Head:    (*uint32)(unsafe.Pointer(CQPtr + uintptr(params.CQOffsets.Head))),
			Tail:    (*uint32)(unsafe.Pointer(CQPtr + uintptr(params.CQOffsets.Tail))),
			Entries: (*uint32)(unsafe.Pointer(CQPtr + uintptr(params.CQOffsets.RingEntries))),
			Mask:    (*uint32)(unsafe.Pointer(CQPtr + uintptr(params.CQOffsets.RingMask))),
			CQEs:    CQPtr + uintptr(params.CQOffsets.CQEs),
		},
		sqRing:  sqRing,
		cqRing:  cqRing,
		sqeData: sqeData,
	}

	return uring, nil
}

func (u *Uring) AcceptMultishot(fd int32, userData uint64) *UringSQE {
	return &UringSQE{
		Opcode:   IORING_OP_ACCEPT,
		Ioprio:   IORING_ACCEPT_MULTISHOT, // https://lore.kernel.org/lkml/a41a1f47-ad05-3245-8ac8-7d8e95ebde44@kernel.dk/t/
		Fd:       fd,
		UserData: userData,
	}
}

// Recv は buffer に受信するSQEを作る。CQEが返るまで buffer を保持しておくこと
func (u *Uring) Recv(fd int32, buffer []byte, userData uint64) *UringSQE {
	return &UringSQE{
		Opcode:   IORING_OP_RECV,
		Fd:       fd,
		Address:  uint64(uintptr(unsafe.Pointer(&buffer[0]))),
		Len:      uint32(len(buffer)),
		UserData: userData,
	}
}

// Send は buffer を送信するSQEを作る。CQEが返るまで buffer を保持しておくこと
func (u *Uring) Send(fd int32, buffer []byte, userData uint64) *UringSQE {
	return &UringSQE{
		Opcode:    IORING_OP_SEND,
		Fd:        fd,
		Address:   uint64(uintptr(unsafe.Pointer(&buffer[0]))),
		Len:       uint32(len(buffer)),
		UserFlags: unix.MSG_NOSIGNAL,
		UserData:  userData,
	}
}

func (u *Uring) Cancel(cancelTarget uint64, userData uint64) *UringSQE {
	return &UringSQE{
		Opcode:   IORING_OP_ASYNC_CANCEL,
		Fd:       -1,
		Address:  cancelTarget,
		UserData: userData,
	}
}

func (u *Uring) Submit(op *UringSQE) error {
	if err := u.pushSQE(op); err != nil {
		return err
	}
	return u.sendSQE()
}

func (u *Uring) pushSQE(op *UringSQE) error {
	head, tail := atomic.LoadUint32(u.SQ.Head), atomic.LoadUint32(u.SQ.Tail)
	if tail-head >= *u.SQ.Entries {
		slog.Warn("sq entries full", "tail", tail, "head", head)
		return ErrSubmissionQueueFull
	}

	index := tail & *u.SQ.Mask
	sqes := unsafe.Slice((*UringSQE)(unsafe.Pointer(u.SQ.SQEPtr)), *u.SQ.Entries)
	sqes[index] = *op

	array := unsafe.Slice((*uint32)(unsafe.Pointer(u.SQ.ArrayPtr)), *u.SQ.Entries)
	array[index] = index

	// SQEを書き終えてからtailを公開する
	atomic.StoreUint32(u.SQ.Tail, tail+1)
	return nil
}

func (u *Uring) sendSQE() error {
	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(u.Fd),
		1,
		0,
		0,
		0,
		0)

	if errno != 0 {
		slog.Error("Uring failed", "errno", errno, "err", errno.Error())
		return fmt.Errorf("io_uring_enter: %w", errno)
	}
	return nil
}

// WaitEventWithTimeout は少なくとも1つのCQEが届くか d が経過するまで待つ
// タイムアウトした場合は ErrWouldBlock を返す
func (u *Uring) WaitEventWithTimeout(d time.Duration) error {
	timeSpec := unix.NsecToTimespec(d.Nanoseconds())
	getEventsArgs := &uringGetEventArgs{
		ts: uint64(uintptr(unsafe.Pointer(&timeSpec))),
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(u.Fd),
		0,
		1,
		IORING_ENTER_GETEVENTS|IORING_ENTER_EXT_ARG,
		uintptr(unsafe.Pointer(getEventsArgs)),
		unsafe.Sizeof(*getEventsArgs))

	if errno != 0 {
		if errors.Is(errno, unix.ETIME) || errors.Is(errno, unix.EINTR) {
			return terrr.ErrWouldBlock
		}
		slog.Error("syscall sys_io_uring_enter failed", "err", errno.Error(), "errno", int(errno))
		return errno
	}
	return nil
}

// PeekBatchEvents は完了済みのCQEを最大 batch 個取り出す
func (u *Uring) PeekBatchEvents(batch uint32) ([]*UringCQE, error) {
	ready := u.cqReady()

	if ready < 1 {
		return nil, terrr.ErrWouldBlock
	}

	if batch > ready {
		batch = ready
	}

	cqes := make([]*UringCQE, 0, batch)
	for i := uint32(0); i < batch; i++ {
		cqes = append(cqes, u.getCQE())
	}

	return cqes, nil
}

func (u *Uring) cqReady() uint32 {
	head, tail := atomic.LoadUint32(u.CQ.Head), atomic.LoadUint32(u.CQ.Tail)
	return tail - head
}

func (u *Uring) getCQE() *UringCQE {
	head := atomic.LoadUint32(u.CQ.Head)
	cqes := unsafe.Slice((*UringCQE)(unsafe.Pointer(u.CQ.CQEs)), *u.CQ.Entries)
	cqe := cqes[head&*u.CQ.Mask]
	atomic.StoreUint32(u.CQ.Head, head+1)
	return &cqe
}

func (u *Uring) Close() error {
	unix.Munmap(u.sqeData)
	if &u.cqRing[0] != &u.sqRing[0] {
		unix.Munmap(u.cqRing)
	}
	unix.Munmap(u.sqRing)
	return unix.Close(int(u.Fd))
}

type uringParams struct {
	SqEntry      uint32 // エントリの数
	CqEntry      uint32 // エントリの数
	Flags        uint32 // uringのオプションフラグ
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32 // uringの機能フラグ
	WqFd         uint32
	Resv         [3]uint32
	SQOffsets    sqOffsets
	CQOffsets    cqOffsets
}

type sqOffsets struct {
	Head        uint32 // カーネルが処理済みのSQEの位置
	Tail        uint32 // ユーザーがSQEを追加する位置
	RingMask    uint32 // リング循環用のマスク ( 最大値 - 1 )
	RingEntries uint32 // リングの総容量
	Flags       uint32
	Dropped     uint32 // 処理されなかったリクエストの数
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

type cqOffsets struct {
	Head        uint32 // ユーザーが読み取った位置
	Tail        uint32 // カーネルが完了した位置
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	CQEs        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

type uringGetEventArgs struct {
	sigMask    uint64
	sigMask_sz uint32
	pad        uint32
	ts         uint64
}

const (
	IORING_OFF_SQ_RING int64 = 0
	IORING_OFF_CQ_RING int64 = 0x8000000
	IORING_OFF_SQES    int64 = 0x10000000
)

// IO_URING_ENTER flags
const (
	IORING_ENTER_GETEVENTS = 1 << iota
	IORING_ENTER_SQ_WAKEUP
	IORING_ENTER_SQ_WAIT
	IORING_ENTER_EXT_ARG
)

const (
	IORING_CQE_F_BUFFER = 1 << iota
	IORING_CQE_F_MORE
)

// https://github.com/axboe/liburing/blob/master/src/include/liburing/io_uring.h
const (
	IORING_OP_NOP = iota
	IORING_OP_READV
	IORING_OP_WRITEV
	IORING_OP_FSYNC
	IORING_OP_READ_FIXED
	IORING_OP_WRITE_FIXED
	IORING_OP_POLL_ADD
	IORING_OP_POLL_REMOVE
	IORING_OP_SYNC_FILE_RANGE
	IORING_OP_SENDMSG
	IORING_OP_RECVMSG
	IORING_OP_TIMEOUT
	IORING_OP_TIMEOUT_REMOVE
	IORING_OP_ACCEPT
	IORING_OP_ASYNC_CANCEL
	IORING_OP_LINK_TIMEOUT
	IORING_OP_CONNECT
	IORING_OP_FALLOCATE
	IORING_OP_OPENAT
	IORING_OP_CLOSE
	IORING_OP_FILES_UPDATE
	IORING_OP_STATX
	IORING_OP_READ
	IORING_OP_WRITE
	IORING_OP_FADVISE
	IORING_OP_MADVISE
	IORING_OP_SEND
	IORING_OP_RECV
)

// accept flags stored in sqe->ioprio
const (
	IORING_ACCEPT_MULTISHOT = 1 << iota
)

const (
	IORING_FEAT_SINGLE_MMAP = 1 << 0
)
