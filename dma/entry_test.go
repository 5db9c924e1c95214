package dma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veos-project/veosd/internal/errno"
)

// identityTranslator treats virtual addresses as already physical, bounding
// each run at the endpoint's page size, as a real page-table walk would.
type identityTranslator struct {
	fail map[uint64]bool
}

func (t identityTranslator) Translate(e Endpoint) (uint64, uint64, error) {
	if t.fail[e.Addr()] {
		return 0, 0, errno.EFAULT
	}
	page := pageSizeFor(e)
	off := e.Addr() % page
	return e.Addr(), page - off, nil
}

func TestBuildReqListRejectsBadLength(t *testing.T) {
	tr := identityTranslator{}
	_, err := BuildReqList(HostPhysical(0), VEPhysical(0), 0, tr)
	require.ErrorIs(t, err, errno.EINVAL)

	_, err = BuildReqList(HostPhysical(0), VEPhysical(0), MaxLength+8, tr)
	require.ErrorIs(t, err, errno.EINVAL)

	_, err = BuildReqList(HostPhysical(0), VEPhysical(0), MaxLength, tr)
	require.NoError(t, err)
}

func TestBuildReqListRejectsMisalignedAddr(t *testing.T) {
	tr := identityTranslator{}
	_, err := BuildReqList(HostPhysical(1), VEPhysical(0), 8, tr)
	require.ErrorIs(t, err, errno.EINVAL)

	_, err = BuildReqList(HostPhysical(0), VEPhysical(1), 8, tr)
	require.ErrorIs(t, err, errno.EINVAL)
}

func TestBuildReqListRejectsIllegalSpacePair(t *testing.T) {
	tr := identityTranslator{}
	_, err := BuildReqList(VERegister(0), VERegister(8), 8, tr)
	require.ErrorIs(t, err, errno.EINVAL)

	_, err = BuildReqList(VERegister(0), HostPhysical(8), 8, tr)
	require.ErrorIs(t, err, errno.EINVAL)
}

func TestBuildReqListSplitsOnVEPage(t *testing.T) {
	tr := identityTranslator{}
	// Straddles the boundary between the first and second VE page.
	src := VEVirtual(1, VEPageSize-8)
	entries, err := BuildReqList(src, HostPhysical(0), 16, tr)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.EqualValues(t, 8, entries[0].length)
	require.EqualValues(t, 8, entries[1].length)
}

func TestBuildReqListMarksTranslationFailureWithoutAbortingRest(t *testing.T) {
	tr := identityTranslator{fail: map[uint64]bool{VEPageSize: true}}
	src := VEVirtual(1, VEPageSize-8)
	entries, err := BuildReqList(src, HostPhysical(0), 16, tr)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, Pending, entries[0].Status())
	require.Equal(t, Error, entries[1].Status())
	require.True(t, errors.Is(entries[1].err, errno.EFAULT))
}
