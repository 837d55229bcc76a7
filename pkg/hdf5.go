package poreflow

import (
	"fmt"
	"sync"

	hdf5 "github.com/jmbenlloch/go-hdf5"
)

// The HDF5 library is not built thread safe, every call into it goes through
// this lock.
var hdf5Lock sync.Mutex

type RunInfoHDF5 struct {
	run_id  [STRLEN]byte
	created int64
}

type ChannelInfoHDF5 struct {
	channel    int32
	samplerate float64
	length     int64
	events     int64
}

type EventIndexHDF5 struct {
	event_id       int32
	channel        int32
	absolute_start int64
	length         int64
	offset         int64
	padding_before int64
	padding_after  int64
	baseline_mean  float64
	baseline_std   float64
}

// long enough for a uuid
const STRLEN = 40

func convertToHdf5String(s string) [STRLEN]byte {
	var byteArray [STRLEN]byte
	copy(byteArray[:], s)
	return byteArray
}

func convertFromHdf5String(b [STRLEN]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// recoverHDF5 turns a panic raised by the helpers below into an error.
func recoverHDF5(err *error) {
	if r := recover(); r != nil {
		e, ok := r.(error)
		if !ok {
			panic(r)
		}
		*err = e
	}
}

func createFile(fname string) *hdf5.File {
	f, err := hdf5.CreateFile(fname, hdf5.F_ACC_TRUNC)
	if err != nil {
		panic(&ErrOpenFile{Filename: fname, Err: err})
	}
	return f
}

func openFile(fname string) *hdf5.File {
	f, err := hdf5.OpenFile(fname, hdf5.F_ACC_RDONLY)
	if err != nil {
		panic(&ErrOpenFile{Filename: fname, Err: err})
	}
	return f
}

func createGroup(file *hdf5.File, groupName string) *hdf5.Group {
	g, err := file.CreateGroup(groupName)
	if err != nil {
		panic(&ErrCreateGroup{GroupName: groupName, Err: err})
	}
	return g
}

func datasetProperties(chunk uint) *hdf5.PropList {
	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		panic(err)
	}
	if err := plist.SetChunk([]uint{chunk}); err != nil {
		panic(err)
	}
	if level := configuration.CompressionLevel; level > 0 {
		if err := plist.SetDeflate(level); err != nil {
			panic(err)
		}
	}
	return plist
}

func unlimitedDataspace() *hdf5.Dataspace {
	dims := []uint{0}
	unlimitedDims := -1 // H5S_UNLIMITED is -1L
	maxDims := []uint{uint(unlimitedDims)}
	space, err := hdf5.CreateSimpleDataspace(dims, maxDims)
	if err != nil {
		panic(err)
	}
	return space
}

// createArray makes an extendible one dimensional array of doubles.
func createArray(group *hdf5.Group, name string) *hdf5.Dataset {
	space := unlimitedDataspace()
	defer space.Close()
	plist := datasetProperties(32768)
	defer plist.Close()

	dset, err := group.CreateDatasetWith(name, hdf5.T_NATIVE_DOUBLE, space, plist)
	if err != nil {
		panic(&ErrCreateTable{TableName: name, Err: err})
	}
	return dset
}

func createTable(group *hdf5.Group, name string, datatype interface{}) *hdf5.Dataset {
	space := unlimitedDataspace()
	defer space.Close()
	plist := datasetProperties(1024)
	defer plist.Close()

	dtype, err := hdf5.NewDatatypeFromValue(datatype)
	if err != nil {
		panic(err)
	}
	dset, err := group.CreateDatasetWith(name, dtype, space, plist)
	if err != nil {
		panic(&ErrCreateTable{TableName: name, Err: err})
	}
	return dset
}

func writeEntryToTable[T any](dataset *hdf5.Dataset, data T, counter int) {
	array := []T{data}
	writeArrayToTable(dataset, &array, counter)
}

// writeArrayToTable appends data to a one dimensional dataset that already
// holds counter entries.
func writeArrayToTable[T any](dataset *hdf5.Dataset, data *[]T, counter int) {
	length := uint(len(*data))
	if length == 0 {
		return
	}
	dims := []uint{length}
	dataspace, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		panic(err)
	}
	defer dataspace.Close()

	// extend
	inFile := uint(counter)
	if err := dataset.Resize([]uint{inFile + length}); err != nil {
		panic(err)
	}
	filespace := dataset.Space()
	defer filespace.Close()

	start := []uint{inFile}
	count := []uint{length}
	if err := filespace.SelectHyperslab(start, nil, count, nil); err != nil {
		panic(err)
	}
	if err := dataset.WriteSubset(data, dataspace, filespace); err != nil {
		panic(err)
	}
}

func openDataset(file *hdf5.File, path string) *hdf5.Dataset {
	dset, err := file.OpenDataset(path)
	if err != nil {
		panic(&ErrReadDataset{Dataset: path, Err: err})
	}
	return dset
}

func datasetLength(dset *hdf5.Dataset, path string) int {
	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil || len(dims) != 1 {
		panic(&ErrReadDataset{Dataset: path, Err: fmt.Errorf("expected a one dimensional dataset, got %v: %v", dims, err)})
	}
	return int(dims[0])
}

func readTable[T any](file *hdf5.File, path string) []T {
	dset := openDataset(file, path)
	defer dset.Close()
	rows := make([]T, datasetLength(dset, path))
	if len(rows) == 0 {
		return rows
	}
	if err := dset.Read(&rows); err != nil {
		panic(&ErrReadDataset{Dataset: path, Err: err})
	}
	return rows
}

// readArraySlice reads count doubles starting at first.
func readArraySlice(dset *hdf5.Dataset, path string, first, count int) []float64 {
	data := make([]float64, count)
	if count == 0 {
		return data
	}
	filespace := dset.Space()
	defer filespace.Close()
	if err := filespace.SelectHyperslab([]uint{uint(first)}, nil, []uint{uint(count)}, nil); err != nil {
		panic(&ErrReadDataset{Dataset: path, Err: err})
	}
	memspace, err := hdf5.CreateSimpleDataspace([]uint{uint(count)}, nil)
	if err != nil {
		panic(err)
	}
	defer memspace.Close()
	if err := dset.ReadSubset(&data, memspace, filespace); err != nil {
		panic(&ErrReadDataset{Dataset: path, Err: err})
	}
	return data
}
