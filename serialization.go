package flowlite

import (
	"bytes"
	"errors"
	"reflect"

	"github.com/stephenfire/go-rtl"
)

// Arguments and results travel and persist as [][]byte, one rtl-encoded blob
// per value. Decoding needs the target types, either from a handler's
// reflected signature or from caller-supplied pointers.

func convertArgsForSerialization(args []interface{}) ([][]byte, error) {
	payloads := [][]byte{}

	for _, arg := range args {
		buf := new(bytes.Buffer)

		// Get the real value
		if reflect.TypeOf(arg).Kind() == reflect.Ptr {
			arg = reflect.ValueOf(arg).Elem().Interface()
		}

		if err := rtl.Encode(arg, buf); err != nil {
			return nil, errors.Join(ErrSerialization, ErrEncoding, err)
		}
		payloads = append(payloads, buf.Bytes())
	}

	return payloads, nil
}

func convertArgsFromSerialization(types []reflect.Type, payloads [][]byte) ([]interface{}, error) {
	values := []interface{}{}

	for idx, t := range types {
		if idx >= len(payloads) {
			return nil, errors.Join(ErrSerialization, errors.New("insufficient payloads"))
		}
		buf := bytes.NewBuffer(payloads[idx])

		decodedObj := reflect.New(t).Interface()

		if err := rtl.Decode(buf, decodedObj); err != nil {
			return nil, errors.Join(ErrSerialization, ErrDecoding, err)
		}

		values = append(values, reflect.ValueOf(decodedObj).Elem().Interface())
	}

	return values, nil
}

func convertInputsFromSerialization(handlerInfo HandlerInfo, inputs [][]byte) ([]interface{}, error) {
	return convertArgsFromSerialization(handlerInfo.ParamTypes, inputs)
}

func convertOutputsFromSerialization(handlerInfo HandlerInfo, outputs [][]byte) ([]interface{}, error) {
	return convertArgsFromSerialization(handlerInfo.ReturnTypes, outputs)
}

// convertResultsIntoPointers decodes payloads into caller-supplied pointers,
// the path Future.Get takes when no handler signature is at hand.
func convertResultsIntoPointers(payloads [][]byte, out ...interface{}) error {
	if len(out) > len(payloads) {
		return errors.Join(ErrSerialization, errors.New("more outputs requested than results"))
	}
	for i := range out {
		if err := ConvertBack(payloads[i], out[i]); err != nil {
			return err
		}
	}
	return nil
}

// ConvertBack decodes a single rtl payload into a pointer target.
func ConvertBack(data []byte, output interface{}) error {
	buf := bytes.NewBuffer(data)
	if reflect.TypeOf(output).Kind() != reflect.Ptr {
		return errors.Join(ErrSerialization, ErrMustPointer)
	}
	if err := rtl.Decode(buf, output); err != nil {
		return errors.Join(ErrSerialization, ErrDecoding, err)
	}
	return nil
}
