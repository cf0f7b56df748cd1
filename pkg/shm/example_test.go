/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm_test

import (
	"fmt"
	"io"

	"github.com/srediag/ringbuf/pkg/shm"
)

func Example() {
	buf, err := shm.New(shm.MinOrder())
	if err != nil {
		panic(err)
	}
	defer buf.Release()

	if _, err := buf.Write([]byte("test")); err != nil {
		panic(err)
	}
	buf.CloseWrite()

	out := make([]byte, 4)
	if _, err := buf.Read(out); err != nil {
		panic(err)
	}
	fmt.Println(string(out), buf.EOF())
	// Output: test true
}

func ExampleBuffer_Reserve() {
	buf, err := shm.New(shm.MinOrder())
	if err != nil {
		panic(err)
	}
	defer buf.Release()

	view, err := buf.Reserve(5)
	if err != nil {
		panic(err)
	}
	n := copy(view, "hello")
	if err := buf.Commit(n); err != nil {
		panic(err)
	}

	data, _ := buf.PeekSlice(buf.Len())
	fmt.Println(string(data))
	_, _ = buf.Discard(len(data))

	buf.CloseWrite()
	_, err = buf.ReadPiece()
	fmt.Println(err == io.EOF)
	// Output:
	// hello
	// true
}
