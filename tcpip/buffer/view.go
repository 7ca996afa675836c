// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package buffer provides the implementation of a buffer view, which is a
// slice backed by a byte array, and a prependable buffer used to build
// headers without copying when they are known up-front.
package buffer

// View is a slice of a byte buffer, similar to slices but it holds
// ownership of the underlying byte buffer.
type View []byte

// NewView allocates a new view with the given size.
func NewView(size int) View {
	return make(View, size)
}

// NewViewFromBytes allocates a new view containing a copy of the supplied
// bytes.
func NewViewFromBytes(b []byte) View {
	v := NewView(len(b))
	copy(v, b)
	return v
}

// TrimFront removes the first "count" bytes from the view.
func (v *View) TrimFront(count int) {
	*v = (*v)[count:]
}

// CapLength irreversibly reduces the length of the view.
func (v *View) CapLength(length int) {
	if length < 0 {
		length = 0
	}
	if len(*v) < length {
		return
	}
	*v = (*v)[:length]
}

// ToVectorisedView transforms a View into a VectorisedView.
func (v View) ToVectorisedView() VectorisedView {
	return NewVectorisedView(len(v), []View{v})
}

// VectorisedView is a vectorised version of a View using non contiguous
// memory.
type VectorisedView struct {
	views []View
	size  int
}

// NewVectorisedView creates a new vectorised view from an array of Views.
func NewVectorisedView(size int, views []View) VectorisedView {
	return VectorisedView{views: views, size: size}
}

// TrimFront removes the first "count" bytes of the vectorised view.
func (vv *VectorisedView) TrimFront(count int) {
	for count > 0 && len(vv.views) > 0 {
		v := vv.views[0]
		if count < len(v) {
			vv.views[0].TrimFront(count)
			vv.size -= count
			return
		}
		count -= len(v)
		vv.RemoveFirst()
	}
}

// CapLength irreversibly reduces the length of the vectorised view.
func (vv *VectorisedView) CapLength(length int) {
	if length < 0 {
		length = 0
	}
	if vv.size < length {
		return
	}
	vv.size = length
	for i := range vv.views {
		v := vv.views[i]
		if len(v) >= length {
			if length == 0 {
				vv.views = vv.views[:i]
			} else {
				vv.views[i].CapLength(length)
				vv.views = vv.views[:i+1]
			}
			return
		}
		length -= len(v)
	}
}

// Clone returns a clone of this VectorisedView.
func (vv VectorisedView) Clone(buffer []View) VectorisedView {
	return VectorisedView{views: append(buffer[:0], vv.views...), size: vv.size}
}

// First returns the first view of the vectorised view.
func (vv VectorisedView) First() View {
	if len(vv.views) == 0 {
		return nil
	}
	return vv.views[0]
}

// RemoveFirst removes the first view of the vectorised view.
func (vv *VectorisedView) RemoveFirst() {
	if len(vv.views) == 0 {
		return
	}
	vv.size -= len(vv.views[0])
	vv.views = vv.views[1:]
}

// Size returns the size in bytes of the entire content stored in the
// vectorised view.
func (vv VectorisedView) Size() int {
	return vv.size
}

// ToView returns a single view containing the content of the vectorised
// view.
func (vv VectorisedView) ToView() View {
	u := make([]byte, 0, vv.size)
	for _, v := range vv.views {
		u = append(u, v...)
	}
	return u
}

// Views returns the underlying views.
func (vv VectorisedView) Views() []View {
	return vv.views
}

// Append appends the views in a second VectorisedView to this one.
func (vv *VectorisedView) Append(vv2 VectorisedView) {
	vv.views = append(vv.views, vv2.views...)
	vv.size += vv2.size
}

// Prependable is a buffer that grows backwards, allowing headers to be
// prepended to it without copying the payload every time a new layer wraps
// it.
type Prependable struct {
	// buf is the buffer containing the data, with the prependable portion
	// in [0, off) and the used portion in [off, len(buf)).
	buf []byte

	// off is the offset at which the used portion of buf starts.
	off int
}

// NewPrependable allocates a new Prependable with "size" extra bytes.
func NewPrependable(size int) Prependable {
	return Prependable{buf: make([]byte, size), off: size}
}

// View returns the used portion of the buffer.
func (p *Prependable) View() View {
	return View(p.buf[p.off:])
}

// UsedLength returns the length of the used portion of the buffer.
func (p *Prependable) UsedLength() int {
	return len(p.buf) - p.off
}

// Prepend reserves the requested space in front of the buffer, returning a
// view it can populate.
func (p *Prependable) Prepend(size int) View {
	if size > p.off {
		return nil
	}
	p.off -= size
	return View(p.buf[p.off : p.off+size])
}
